package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ongoingai/perfmon/perflog"
)

func testEvent(name string) *perflog.Event {
	return &perflog.Event{
		Log: perflog.PerfLog{
			ApplicationInfo: perflog.ApplicationInfo{
				AppID:         "1:123:web:abc",
				AppInstanceID: "iid-test",
				WebAppInfo: perflog.WebAppInfo{
					SDKVersion:          "test",
					ServiceWorkerStatus: perflog.ServiceWorkerUnsupported,
					VisibilityState:     perflog.VisibilityVisible,
				},
			},
			TraceMetric: &perflog.TraceMetric{
				Name:              name,
				ClientStartTimeUs: 1_700_000_000_000_000,
				DurationUs:        1500,
			},
		},
		EventTime: time.UnixMilli(1_700_000_000_500),
	}
}

func TestNewBatchLog(t *testing.T) {
	t.Parallel()

	invalid := &perflog.Event{EventTime: time.UnixMilli(1)}
	batch, kept := newBatchLog([]*perflog.Event{testEvent("a"), invalid, testEvent("b")}, 462, time.UnixMilli(1_700_000_001_000))

	if len(kept) != 2 || len(batch.LogEvent) != 2 {
		t.Fatalf("kept=%d log_event=%d, want 2 and 2", len(kept), len(batch.LogEvent))
	}
	if batch.RequestTimeMs != "1700000001000" {
		t.Fatalf("request_time_ms=%q", batch.RequestTimeMs)
	}
	if batch.ClientInfo.ClientType != 1 || batch.LogSource != 462 {
		t.Fatalf("client_info=%+v log_source=%d", batch.ClientInfo, batch.LogSource)
	}
	if batch.LogEvent[0].EventTimeMs != "1700000000500" {
		t.Fatalf("event_time_ms=%q", batch.LogEvent[0].EventTimeMs)
	}

	var decoded perflog.PerfLog
	if err := json.Unmarshal([]byte(batch.LogEvent[1].SourceExtensionJSONProto3), &decoded); err != nil {
		t.Fatalf("decode source extension: %v", err)
	}
	if decoded.TraceMetric == nil || decoded.TraceMetric.Name != "b" {
		t.Fatalf("decoded trace metric=%+v", decoded.TraceMetric)
	}
}

func TestEncodeBatchWireShape(t *testing.T) {
	t.Parallel()

	batch, _ := newBatchLog([]*perflog.Event{testEvent("a")}, 462, time.UnixMilli(5))
	raw, err := encodeBatch(batch, false)
	if err != nil {
		t.Fatalf("encodeBatch() error: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	for _, key := range []string{"request_time_ms", "client_info", "log_source", "log_event"} {
		if _, ok := generic[key]; !ok {
			t.Fatalf("batch missing %q: %s", key, raw)
		}
	}
	clientInfo, _ := generic["client_info"].(map[string]any)
	if _, ok := clientInfo["go_client_info"]; !ok {
		t.Fatalf("client_info missing go_client_info: %s", raw)
	}
}

func TestEncodeBatchGzip(t *testing.T) {
	t.Parallel()

	batch, _ := newBatchLog([]*perflog.Event{testEvent("a")}, 462, time.UnixMilli(5))
	plain, err := encodeBatch(batch, false)
	if err != nil {
		t.Fatalf("encodeBatch(plain) error: %v", err)
	}
	compressed, err := encodeBatch(batch, true)
	if err != nil {
		t.Fatalf("encodeBatch(gzip) error: %v", err)
	}

	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip.NewReader() error: %v", err)
	}
	defer reader.Close()
	inflated, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(inflated, plain) {
		t.Fatalf("inflated body differs from plain body")
	}
}

func TestBatchResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body      string
		wantWait  time.Duration
		wantRetry bool
	}{
		{body: `{}`, wantWait: 0},
		{body: `{"nextRequestWaitMillis":"2500"}`, wantWait: 2500 * time.Millisecond},
		{body: `{"nextRequestWaitMillis":750}`, wantWait: 750 * time.Millisecond},
		{body: `{"nextRequestWaitMillis":"-4"}`, wantWait: 0},
		{
			body:      `{"logResponseDetails":[{"responseAction":"RETRY_REQUESTED_IF_POSSIBLE"}]}`,
			wantRetry: true,
		},
		{body: `{"logResponseDetails":[{"responseAction":"DROP"}]}`},
	}
	for _, tc := range tests {
		var resp batchResponse
		if err := json.Unmarshal([]byte(tc.body), &resp); err != nil {
			t.Fatalf("decode %s: %v", tc.body, err)
		}
		if got := resp.nextRequestWait(); got != tc.wantWait {
			t.Fatalf("%s: nextRequestWait()=%v, want %v", tc.body, got, tc.wantWait)
		}
		if got := resp.retryRequested(); got != tc.wantRetry {
			t.Fatalf("%s: retryRequested()=%v, want %v", tc.body, got, tc.wantRetry)
		}
	}
}
