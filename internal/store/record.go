package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/perfmon/perflog"
)

// Record is one persisted trace.
type Record struct {
	ID            string
	Name          string
	IsAuto        bool
	AppID         string
	AppInstanceID string
	PageURL       string
	StartTime     time.Time
	DurationUS    int64
	Counters      map[string]int64
	Attributes    map[string]string
	EventTime     time.Time
	CreatedAt     time.Time
}

func (r *Record) Duration() time.Duration {
	return time.Duration(r.DurationUS) * time.Microsecond
}

// RecordFromEvent flattens a logged trace event into a Record with a fresh id.
func RecordFromEvent(event *perflog.Event) (*Record, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	metric := event.Log.TraceMetric
	info := event.Log.ApplicationInfo

	record := &Record{
		ID:            uuid.NewString(),
		Name:          metric.Name,
		IsAuto:        metric.IsAuto,
		AppID:         info.AppID,
		AppInstanceID: info.AppInstanceID,
		PageURL:       info.WebAppInfo.PageURL,
		StartTime:     metric.StartTime(),
		DurationUS:    metric.DurationUs,
		EventTime:     event.EventTime.UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if len(metric.Counters) > 0 {
		record.Counters = make(map[string]int64, len(metric.Counters))
		for name, value := range metric.Counters {
			record.Counters[name] = value
		}
	}
	if len(metric.CustomAttributes) > 0 {
		record.Attributes = make(map[string]string, len(metric.CustomAttributes))
		for name, value := range metric.CustomAttributes {
			record.Attributes[name] = value
		}
	}
	return record, nil
}

// normalizeRecord returns a copy ready for insertion: UTC times truncated to
// microseconds, a generated id and creation time when missing, non-nil maps.
func normalizeRecord(in *Record) (*Record, error) {
	if in == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if in.Name == "" {
		return nil, fmt.Errorf("record %q has no name", in.ID)
	}
	out := *in
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if out.EventTime.IsZero() {
		out.EventTime = out.CreatedAt
	}
	out.StartTime = out.StartTime.UTC().Truncate(time.Microsecond)
	out.EventTime = out.EventTime.UTC().Truncate(time.Microsecond)
	out.CreatedAt = out.CreatedAt.UTC().Truncate(time.Microsecond)
	if out.Counters == nil {
		out.Counters = map[string]int64{}
	}
	if out.Attributes == nil {
		out.Attributes = map[string]string{}
	}
	return &out, nil
}
