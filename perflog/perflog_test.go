package perflog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{name: "nil", event: nil, wantErr: true},
		{name: "missing time", event: &Event{Log: PerfLog{TraceMetric: &TraceMetric{Name: "a"}}}, wantErr: true},
		{name: "missing metric", event: &Event{EventTime: now}, wantErr: true},
		{name: "missing name", event: &Event{EventTime: now, Log: PerfLog{TraceMetric: &TraceMetric{}}}, wantErr: true},
		{name: "valid", event: &Event{EventTime: now, Log: PerfLog{TraceMetric: &TraceMetric{Name: "a"}}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.event.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Validate() error=%v, want %v", err, ErrInvalidEvent)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
		})
	}
}

func TestMessageOmitsEmptyMaps(t *testing.T) {
	t.Parallel()

	event := &Event{
		EventTime: time.UnixMilli(1_700_000_000_000),
		Log: PerfLog{
			ApplicationInfo: ApplicationInfo{
				AppID:         "app-1",
				AppInstanceID: "iid-1",
				WebAppInfo: WebAppInfo{
					SDKVersion:          "dev",
					ServiceWorkerStatus: ServiceWorkerUnsupported,
					VisibilityState:     VisibilityVisible,
				},
			},
			TraceMetric: &TraceMetric{
				Name:              "checkout",
				ClientStartTimeUs: 1_700_000_000_000_000,
				DurationUs:        1500,
			},
		},
	}

	message, err := event.Message()
	if err != nil {
		t.Fatalf("Message() error: %v", err)
	}
	if strings.Contains(message, "counters") || strings.Contains(message, "custom_attributes") {
		t.Fatalf("message=%s, want empty maps omitted", message)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(message), &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	metric, ok := decoded["trace_metric"].(map[string]any)
	if !ok {
		t.Fatalf("trace_metric missing from %s", message)
	}
	if metric["name"] != "checkout" {
		t.Fatalf("name=%v, want checkout", metric["name"])
	}
	if metric["duration_us"] != float64(1500) {
		t.Fatalf("duration_us=%v, want 1500", metric["duration_us"])
	}
	if event.EventTimeMillis() != 1_700_000_000_000 {
		t.Fatalf("event time ms=%d", event.EventTimeMillis())
	}
}

func TestTraceMetricTimeConversions(t *testing.T) {
	t.Parallel()

	metric := &TraceMetric{ClientStartTimeUs: 1_700_000_000_123_456, DurationUs: 2500}
	if got := metric.StartTime(); !got.Equal(time.UnixMicro(1_700_000_000_123_456)) {
		t.Fatalf("StartTime()=%s", got)
	}
	if got := metric.Duration(); got != 2500*time.Microsecond {
		t.Fatalf("Duration()=%s, want 2.5ms", got)
	}

	var nilMetric *TraceMetric
	if !nilMetric.StartTime().IsZero() || nilMetric.Duration() != 0 {
		t.Fatal("nil metric conversions should be zero")
	}
}
