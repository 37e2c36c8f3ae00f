package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/perfmon/internal/store"
	"github.com/ongoingai/perfmon/internal/transport"
)

const pipelineDiagnosticsSchemaVersion = "perfmon-pipeline-diagnostics.v1"

// PipelineDiagnostics is a point-in-time view of the agent's trace pipeline.
// Writer and Dispatcher are nil when the matching sink is disabled.
type PipelineDiagnostics struct {
	Monitor    MonitorCounters          `json:"monitor"`
	Writer     *store.WriterDiagnostics `json:"writer,omitempty"`
	Dispatcher *transport.Diagnostics   `json:"dispatcher,omitempty"`
}

type MonitorCounters struct {
	Logged       int64 `json:"logged"`
	Skipped      int64 `json:"skipped"`
	SinkRejected int64 `json:"sink_rejected"`
}

type DiagnosticsReader interface {
	PipelineDiagnostics() PipelineDiagnostics
}

type pipelineDiagnosticsResponse struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Diagnostics   PipelineDiagnostics `json:"diagnostics"`
}

func DiagnosticsHandler(reader DiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, pipelineDiagnosticsResponse{
			SchemaVersion: pipelineDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.PipelineDiagnostics(),
		})
	})
}
