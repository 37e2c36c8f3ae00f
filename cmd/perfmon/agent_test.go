package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

type logEndpoint struct {
	mu       sync.Mutex
	requests int
	keys     []string
	messages []string
}

func (e *logEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	var batch struct {
		LogEvent []struct {
			SourceExtensionJSONProto3 string `json:"source_extension_json_proto3"`
		} `json:"log_event"`
	}
	if err := json.NewDecoder(body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.requests++
	e.keys = append(e.keys, r.URL.Query().Get("key"))
	for _, event := range batch.LogEvent {
		e.messages = append(e.messages, event.SourceExtensionJSONProto3)
	}
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"nextRequestWaitMillis":"0"}`))
}

func TestRunRecordFlushesTransportBeforeExit(t *testing.T) {
	t.Parallel()

	endpoint := &logEndpoint{}
	server := httptest.NewServer(endpoint)
	defer server.Close()

	// The initial delay outlives the command, so only the exit flush can
	// deliver the trace.
	configPath := writeTestConfig(t, fmt.Sprintf(`transport:
  enabled: true
  endpoint: %q
  api_key: test-key
  initial_delay_ms: 600000
`, server.URL+"/v1/log"))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runRecord([]string{"--config", configPath, "--name", "checkout_render", "--start", "1700000000000", "--duration", "40ms"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runRecord() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	if endpoint.requests != 1 {
		t.Fatalf("log requests=%d, want 1", endpoint.requests)
	}
	if endpoint.keys[0] != "test-key" {
		t.Fatalf("key=%q, want %q", endpoint.keys[0], "test-key")
	}
	if len(endpoint.messages) != 1 || !strings.Contains(endpoint.messages[0], `"name":"checkout_render"`) {
		t.Fatalf("messages=%v, want one checkout_render trace", endpoint.messages)
	}

	// Storage stays wired next to the transport.
	if report := listReport(t, configPath); len(report.Traces) != 1 {
		t.Fatalf("stored traces=%d, want 1", len(report.Traces))
	}
}

func TestRunRecordWarnsWhenTransportUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	configPath := writeTestConfig(t, fmt.Sprintf(`transport:
  enabled: true
  endpoint: %q
  initial_delay_ms: 600000
`, server.URL))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runRecord([]string{"--config", configPath, "--name", "checkout", "--start", "1700000000000", "--duration", "1s"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runRecord() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "warning: flush transport") {
		t.Fatalf("stderr=%q, want transport flush warning", stderr.String())
	}
}
