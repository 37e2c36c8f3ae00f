// Package perflog defines the wire model of a logged performance trace.
package perflog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEvent = errors.New("invalid perf log event")

const (
	VisibilityVisible = "visible"
	VisibilityHidden  = "hidden"
	VisibilityUnknown = "unknown"
)

const (
	ServiceWorkerUnknown     = "unknown"
	ServiceWorkerUnsupported = "unsupported"
	ServiceWorkerControlled  = "controlled"
	ServiceWorkerNone        = "no_controller"
)

type PerfLog struct {
	ApplicationInfo ApplicationInfo `json:"application_info"`
	TraceMetric     *TraceMetric    `json:"trace_metric,omitempty"`
}

type ApplicationInfo struct {
	AppID                   string     `json:"app_id"`
	AppInstanceID           string     `json:"app_instance_id"`
	WebAppInfo              WebAppInfo `json:"web_app_info"`
	ApplicationProcessState int        `json:"application_process_state"`
}

type WebAppInfo struct {
	SDKVersion              string `json:"sdk_version"`
	PageURL                 string `json:"page_url,omitempty"`
	ServiceWorkerStatus     string `json:"service_worker_status"`
	VisibilityState         string `json:"visibility_state"`
	EffectiveConnectionType string `json:"effective_connection_type,omitempty"`
}

type TraceMetric struct {
	Name              string            `json:"name"`
	IsAuto            bool              `json:"is_auto"`
	ClientStartTimeUs int64             `json:"client_start_time_us"`
	DurationUs        int64             `json:"duration_us"`
	Counters          map[string]int64  `json:"counters,omitempty"`
	CustomAttributes  map[string]string `json:"custom_attributes,omitempty"`
}

// StartTime converts ClientStartTimeUs to a UTC time.
func (m *TraceMetric) StartTime() time.Time {
	if m == nil {
		return time.Time{}
	}
	return time.UnixMicro(m.ClientStartTimeUs).UTC()
}

// Duration converts DurationUs to a time.Duration.
func (m *TraceMetric) Duration() time.Duration {
	if m == nil {
		return 0
	}
	return time.Duration(m.DurationUs) * time.Microsecond
}

// Event is one finished trace queued for delivery.
type Event struct {
	Log       PerfLog
	EventTime time.Time
}

// Validate reports whether the event can be delivered.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("%w: missing event time", ErrInvalidEvent)
	}
	if e.Log.TraceMetric == nil {
		return fmt.Errorf("%w: missing trace metric", ErrInvalidEvent)
	}
	if e.Log.TraceMetric.Name == "" {
		return fmt.Errorf("%w: missing trace name", ErrInvalidEvent)
	}
	return nil
}

// Message returns the JSON encoding of the log payload.
func (e *Event) Message() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(e.Log)
	if err != nil {
		return "", fmt.Errorf("encode perf log: %w", err)
	}
	return string(payload), nil
}

// EventTimeMillis is the event time in milliseconds since the epoch.
func (e *Event) EventTimeMillis() int64 {
	return e.EventTime.UnixMilli()
}
