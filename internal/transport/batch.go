package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ongoingai/perfmon/perflog"
)

const (
	clientTypeGo = 1

	responseActionRetryRequested = "RETRY_REQUESTED_IF_POSSIBLE"
)

// BatchLog is the request body of one dispatch. Millisecond timestamps are
// strings, matching the proto3 JSON mapping of int64.
type BatchLog struct {
	RequestTimeMs string     `json:"request_time_ms"`
	ClientInfo    ClientInfo `json:"client_info"`
	LogSource     int        `json:"log_source"`
	LogEvent      []LogEvent `json:"log_event"`
}

type ClientInfo struct {
	ClientType   int      `json:"client_type"`
	GoClientInfo struct{} `json:"go_client_info"`
}

type LogEvent struct {
	SourceExtensionJSONProto3 string `json:"source_extension_json_proto3"`
	EventTimeMs               string `json:"event_time_ms"`
}

type batchResponse struct {
	NextRequestWaitMillis json.Number      `json:"nextRequestWaitMillis"`
	LogResponseDetails    []responseDetail `json:"logResponseDetails"`
}

type responseDetail struct {
	ResponseAction string `json:"responseAction"`
}

func (r batchResponse) nextRequestWait() time.Duration {
	if r.NextRequestWaitMillis == "" {
		return 0
	}
	millis, err := r.NextRequestWaitMillis.Float64()
	if err != nil || millis <= 0 {
		return 0
	}
	return time.Duration(millis * float64(time.Millisecond))
}

func (r batchResponse) retryRequested() bool {
	return len(r.LogResponseDetails) > 0 && r.LogResponseDetails[0].ResponseAction == responseActionRetryRequested
}

// newBatchLog wraps events into a request body. It also returns the events
// that made it into the body; events whose message cannot be encoded are left
// out.
func newBatchLog(events []*perflog.Event, logSource int, now time.Time) (BatchLog, []*perflog.Event) {
	batch := BatchLog{
		RequestTimeMs: strconv.FormatInt(now.UnixMilli(), 10),
		ClientInfo:    ClientInfo{ClientType: clientTypeGo},
		LogSource:     logSource,
		LogEvent:      make([]LogEvent, 0, len(events)),
	}
	kept := make([]*perflog.Event, 0, len(events))
	for _, event := range events {
		message, err := event.Message()
		if err != nil {
			continue
		}
		kept = append(kept, event)
		batch.LogEvent = append(batch.LogEvent, LogEvent{
			SourceExtensionJSONProto3: message,
			EventTimeMs:               strconv.FormatInt(event.EventTimeMillis(), 10),
		})
	}
	return batch, kept
}

func encodeBatch(batch BatchLog, compress bool) ([]byte, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch log: %w", err)
	}
	if !compress {
		return raw, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compress batch log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress batch log: %w", err)
	}
	return buf.Bytes(), nil
}
