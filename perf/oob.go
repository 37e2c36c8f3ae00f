package perf

import (
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/perfmon/internal/pathutil"
	"github.com/ongoingai/perfmon/timing"
)

// NavigationTiming carries page-load milestones relative to the timeline origin.
type NavigationTiming struct {
	Duration                 time.Duration
	DOMInteractive           time.Duration
	DOMContentLoadedEventEnd time.Duration
	LoadEventEnd             time.Duration
}

// PaintTiming is a named paint milestone such as "first-paint".
type PaintTiming struct {
	Name      string
	StartTime time.Duration
}

// CreateOobTrace logs a page-load trace synthesized from collected timing
// entries. It is skipped when the environment reports no page URL. A zero
// fid means no first input was observed.
func (m *Monitor) CreateOobTrace(navigation []NavigationTiming, paints []PaintTiming, fid time.Duration) {
	env := m.currentEnvironment()
	page := pathutil.TrimQuery(env.PageURL)
	if page == "" {
		m.logger.Debug("page load trace skipped", "reason", "missing_page_url")
		return
	}

	t := newTrace(m, pageLoadTracePrefix+page, true, "")
	t.startTimeUs = m.timeline.TimeOrigin().UnixMicro()

	metrics := make(map[string]int64, 6)
	if len(navigation) > 0 {
		nav := navigation[0]
		t.durationUs = nav.Duration.Microseconds()
		metrics[domInteractiveMetric] = nav.DOMInteractive.Microseconds()
		metrics[domContentLoadedMetric] = nav.DOMContentLoadedEventEnd.Microseconds()
		metrics[loadEventEndMetric] = nav.LoadEventEnd.Microseconds()
	}
	if paint, ok := findPaint(paints, firstPaintEntryName); ok && paint.StartTime > 0 {
		metrics[firstPaintMetricName] = paint.StartTime.Microseconds()
	}
	if paint, ok := findPaint(paints, firstContentfulPaintEntry); ok && paint.StartTime > 0 {
		metrics[firstContentfulPaintMetric] = paint.StartTime.Microseconds()
	}
	if fid > 0 {
		metrics[firstInputDelayMetricName] = fid.Microseconds()
	}
	for name, value := range metrics {
		if err := t.PutMetric(name, value); err != nil {
			m.logger.Warn("page load metric dropped", "metric", name, "error", err)
		}
	}

	t.state = StateTerminated
	m.logTrace(t)
}

func findPaint(paints []PaintTiming, name string) (PaintTiming, bool) {
	for _, paint := range paints {
		if paint.Name == name {
			return paint, true
		}
	}
	return PaintTiming{}, false
}

// CreateUserTimingTrace logs a trace mirroring the first timeline measure
// named measureName.
func (m *Monitor) CreateUserTimingTrace(measureName string) error {
	entries := m.timeline.EntriesByName(measureName, timing.EntryTypeMeasure)
	if len(entries) == 0 {
		m.logger.Warn("user timing measure not found", "measure", measureName)
		return fmt.Errorf("%w: %q", ErrMeasureNotFound, measureName)
	}
	t := newTrace(m, measureName, false, measureName)
	t.applyMeasure(entries[0])
	t.mu.Lock()
	t.state = StateTerminated
	t.mu.Unlock()
	m.logTrace(t)
	return nil
}

// ObserveUserTiming logs a user timing trace for every measure recorded on
// the timeline, except the measures traces create for themselves.
func (m *Monitor) ObserveUserTiming() (stop func()) {
	return m.timeline.Observe(timing.EntryTypeMeasure, func(entry timing.Entry) {
		if strings.HasPrefix(entry.Name, traceMeasurePrefix) {
			return
		}
		t := newTrace(m, entry.Name, false, "")
		t.applyMeasure(entry)
		t.mu.Lock()
		t.state = StateTerminated
		t.mu.Unlock()
		m.logTrace(t)
	})
}
