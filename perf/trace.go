package perf

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ongoingai/perfmon/perflog"
	"github.com/ongoingai/perfmon/timing"
)

type TraceState int

const (
	StateUninitialized TraceState = iota + 1
	StateRunning
	StateTerminated
)

func (s TraceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Counter holds the value of one custom metric on a trace.
type Counter struct {
	Value int64
}

// RecordOptions bulk-sets metrics and attributes on a recorded trace.
type RecordOptions struct {
	Metrics    map[string]int64
	Attributes map[string]string
}

// Trace is a named timed span. It is safe for concurrent use.
type Trace struct {
	monitor *Monitor
	name    string
	isAuto  bool

	randomID    int
	startMark   string
	stopMark    string
	measureName string

	mu               sync.Mutex
	state            TraceState
	startTimeUs      int64
	durationUs       int64
	customAttributes map[string]string
	counters         map[string]*Counter
}

// newTrace builds a trace. A non-empty measureName names the timeline
// measure the trace reads its timing from.
func newTrace(m *Monitor, name string, isAuto bool, measureName string) *Trace {
	t := &Trace{
		monitor:          m,
		name:             name,
		isAuto:           isAuto,
		randomID:         rand.IntN(traceRandomIDUpperBoundExcl),
		state:            StateUninitialized,
		customAttributes: make(map[string]string),
		counters:         make(map[string]*Counter),
	}
	if isAuto {
		return t
	}

	t.startMark = fmt.Sprintf("%s-%d-%s", traceStartMarkPrefix, t.randomID, name)
	t.stopMark = fmt.Sprintf("%s-%d-%s", traceStopMarkPrefix, t.randomID, name)
	t.measureName = measureName
	if t.measureName == "" {
		t.measureName = fmt.Sprintf("%s-%d-%s", traceMeasurePrefix, t.randomID, name)
	}
	return t
}

func (t *Trace) Name() string { return t.name }

// IsAuto reports whether the trace was collected automatically.
func (t *Trace) IsAuto() bool { return t.isAuto }

func (t *Trace) State() TraceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StartTimeUs is the trace start in microseconds since the epoch.
func (t *Trace) StartTimeUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTimeUs
}

func (t *Trace) DurationUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationUs
}

// Start begins the measured interval.
func (t *Trace) Start() error {
	t.mu.Lock()
	if t.state != StateUninitialized {
		t.mu.Unlock()
		return fmt.Errorf("trace %q: %w", t.name, ErrTraceStartedBefore)
	}
	// The start mark exists before any Stop can observe the running state.
	if !t.isAuto {
		t.monitor.timeline.Mark(t.startMark)
	}
	t.state = StateRunning
	t.mu.Unlock()
	return nil
}

// Stop ends the measured interval, computes the duration and logs the trace.
// When the interval cannot be measured the trace stays running and nothing
// is logged.
func (t *Trace) Stop() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("trace %q: %w", t.name, ErrTraceNotRunning)
	}

	if !t.isAuto {
		timeline := t.monitor.timeline
		timeline.Mark(t.stopMark)
		entry, err := timeline.Measure(t.measureName, t.startMark, t.stopMark)
		timeline.ClearMarks(t.stopMark)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("trace %q: %w", t.name, err)
		}
		timeline.ClearMarks(t.startMark)
		timeline.ClearMeasures(t.measureName)
		t.applyMeasureLocked(entry)
	}
	t.state = StateTerminated
	t.mu.Unlock()

	t.monitor.logTrace(t)
	return nil
}

// Record logs the trace with a predetermined start and duration instead of
// Start/Stop. Options are validated before anything is applied.
func (t *Trace) Record(start time.Time, duration time.Duration, opts RecordOptions) error {
	if start.UnixMicro() <= 0 {
		return fmt.Errorf("trace %q: %w", t.name, ErrNonPositiveStartTime)
	}
	if duration <= 0 {
		return fmt.Errorf("trace %q: %w", t.name, ErrNonPositiveDuration)
	}
	for name, value := range opts.Attributes {
		if err := validateAttribute(name, value); err != nil {
			return fmt.Errorf("trace %q: %w", t.name, err)
		}
	}
	for name := range opts.Metrics {
		if !isValidMetricName(name, t.name) {
			return fmt.Errorf("trace %q: %w: %q", t.name, ErrInvalidMetricName, name)
		}
	}

	t.mu.Lock()
	if t.state != StateUninitialized {
		t.mu.Unlock()
		return fmt.Errorf("trace %q: %w", t.name, ErrTraceStartedBefore)
	}
	if t.attributeCountAfterLocked(opts.Attributes) > MaxCustomAttributes {
		t.mu.Unlock()
		return fmt.Errorf("trace %q: %w", t.name, ErrMaxAttributesExceeded)
	}
	t.startTimeUs = start.UnixMicro()
	t.durationUs = duration.Microseconds()
	for name, value := range opts.Attributes {
		t.customAttributes[name] = value
	}
	for name, value := range opts.Metrics {
		t.counterLocked(name).Value = value
	}
	t.state = StateTerminated
	t.mu.Unlock()

	t.monitor.logTrace(t)
	return nil
}

// IncrementMetric adds one to the named metric, creating it when absent.
func (t *Trace) IncrementMetric(name string) error {
	return t.IncrementMetricBy(name, 1)
}

// IncrementMetricBy adds num to the named metric, creating it when absent.
func (t *Trace) IncrementMetricBy(name string, num int64) error {
	if !isValidMetricName(name, t.name) {
		return fmt.Errorf("trace %q: %w: %q", t.name, ErrInvalidMetricName, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counterLocked(name).Value += num
	return nil
}

// PutMetric sets the named metric, creating it when absent.
func (t *Trace) PutMetric(name string, num int64) error {
	if !isValidMetricName(name, t.name) {
		return fmt.Errorf("trace %q: %w: %q", t.name, ErrInvalidMetricName, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counterLocked(name).Value = num
	return nil
}

// GetMetric returns the metric value, or zero when it was never set.
func (t *Trace) GetMetric(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if counter, ok := t.counters[name]; ok {
		return counter.Value
	}
	return 0
}

func (t *Trace) PutAttribute(name, value string) error {
	if err := validateAttribute(name, value); err != nil {
		return fmt.Errorf("trace %q: %w", t.name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.customAttributes[name]; !exists && len(t.customAttributes) >= MaxCustomAttributes {
		return fmt.Errorf("trace %q: %w: limit is %d", t.name, ErrMaxAttributesExceeded, MaxCustomAttributes)
	}
	t.customAttributes[name] = value
	return nil
}

func (t *Trace) GetAttribute(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.customAttributes[name]
	return value, ok
}

func (t *Trace) RemoveAttribute(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.customAttributes, name)
}

// GetAttributes returns a copy of all custom attributes.
func (t *Trace) GetAttributes() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.customAttributes))
	for name, value := range t.customAttributes {
		out[name] = value
	}
	return out
}

// GetCounters returns a copy of all metric values.
func (t *Trace) GetCounters() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counters))
	for name, counter := range t.counters {
		out[name] = counter.Value
	}
	return out
}

func (t *Trace) counterLocked(name string) *Counter {
	counter, ok := t.counters[name]
	if !ok {
		counter = &Counter{}
		t.counters[name] = counter
	}
	return counter
}

func (t *Trace) attributeCountAfterLocked(attrs map[string]string) int {
	count := len(t.customAttributes)
	for name := range attrs {
		if _, exists := t.customAttributes[name]; !exists {
			count++
		}
	}
	return count
}

func (t *Trace) applyMeasure(entry timing.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyMeasureLocked(entry)
}

func (t *Trace) applyMeasureLocked(entry timing.Entry) {
	t.durationUs = entry.Duration.Microseconds()
	t.startTimeUs = t.monitor.timeline.TimeOrigin().Add(entry.StartTime).UnixMicro()
}

func (t *Trace) snapshot() *perflog.TraceMetric {
	t.mu.Lock()
	defer t.mu.Unlock()

	metric := &perflog.TraceMetric{
		Name:              t.name,
		IsAuto:            t.isAuto,
		ClientStartTimeUs: t.startTimeUs,
		DurationUs:        t.durationUs,
	}
	if len(t.counters) > 0 {
		metric.Counters = make(map[string]int64, len(t.counters))
		for name, counter := range t.counters {
			metric.Counters[name] = counter.Value
		}
	}
	if len(t.customAttributes) > 0 {
		metric.CustomAttributes = make(map[string]string, len(t.customAttributes))
		for name, value := range t.customAttributes {
			metric.CustomAttributes[name] = value
		}
	}
	return metric
}
