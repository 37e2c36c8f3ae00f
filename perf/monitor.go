// Package perf is the client surface for recording performance traces: named
// timed spans carrying custom metrics and attributes. Finished traces are
// snapshotted into perflog events and handed to the configured sinks.
package perf

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ongoingai/perfmon/perflog"
	"github.com/ongoingai/perfmon/timing"
)

// Sink receives finished traces. Enqueue must not block and must treat the
// event as read-only; the same event is shared by every sink.
type Sink interface {
	Enqueue(event *perflog.Event) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event *perflog.Event) bool

func (f SinkFunc) Enqueue(event *perflog.Event) bool {
	return f(event)
}

// Environment describes the host the monitor reports from.
type Environment struct {
	PageURL                 string
	VisibilityState         string
	ServiceWorkerStatus     string
	EffectiveConnectionType string
}

// StaticEnvironment returns an environment provider that always reports env.
func StaticEnvironment(env Environment) func() Environment {
	return func() Environment { return env }
}

type Options struct {
	AppID          string
	InstallationID string
	SDKVersion     string
	// Settings defaults to DefaultSettings when nil.
	Settings    *Settings
	Environment func() Environment
	Timeline    *timing.Timeline
	Sinks       []Sink
	Logger      *slog.Logger
	Now         func() time.Time
	// Random drives the sampling decision; defaults to math/rand/v2.
	Random func() float64
}

// Stats counts what happened to finished traces.
type Stats struct {
	Logged       int64
	Skipped      int64
	SinkRejected int64
}

type Monitor struct {
	appID          string
	installationID string
	sdkVersion     string
	settings       *runtimeSettings
	environment    func() Environment
	timeline       *timing.Timeline
	sinks          []Sink
	logger         *slog.Logger
	now            func() time.Time

	loggedTotal       atomic.Int64
	skippedTotal      atomic.Int64
	sinkRejectedTotal atomic.Int64
}

func New(opts Options) (*Monitor, error) {
	appID := strings.TrimSpace(opts.AppID)
	if appID == "" {
		return nil, ErrMissingAppID
	}

	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	environment := opts.Environment
	if environment == nil {
		environment = StaticEnvironment(Environment{})
	}
	timeline := opts.Timeline
	if timeline == nil {
		timeline = timing.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sdkVersion := strings.TrimSpace(opts.SDKVersion)
	if sdkVersion == "" {
		sdkVersion = "dev"
	}

	sinks := make([]Sink, 0, len(opts.Sinks))
	for _, sink := range opts.Sinks {
		if sink != nil {
			sinks = append(sinks, sink)
		}
	}

	return &Monitor{
		appID:          appID,
		installationID: strings.TrimSpace(opts.InstallationID),
		sdkVersion:     sdkVersion,
		settings:       newRuntimeSettings(settings, opts.Random),
		environment:    environment,
		timeline:       timeline,
		sinks:          sinks,
		logger:         logger,
		now:            now,
	}, nil
}

// NewTrace creates a custom (manually instrumented) trace.
func (m *Monitor) NewTrace(name string) (*Trace, error) {
	if err := ValidateTraceName(name); err != nil {
		return nil, err
	}
	return newTrace(m, name, false, ""), nil
}

// Timeline exposes the mark/measure timeline traces are timed against.
func (m *Monitor) Timeline() *timing.Timeline {
	return m.timeline
}

func (m *Monitor) DataCollectionEnabled() bool {
	return m.settings.dataCollectionEnabled.Load()
}

// SetDataCollectionEnabled toggles logging of custom traces.
func (m *Monitor) SetDataCollectionEnabled(enabled bool) {
	m.settings.dataCollectionEnabled.Store(enabled)
}

func (m *Monitor) InstrumentationEnabled() bool {
	return m.settings.instrumentationEnabled.Load()
}

// SetInstrumentationEnabled toggles logging of automatically collected traces.
func (m *Monitor) SetInstrumentationEnabled(enabled bool) {
	m.settings.instrumentationEnabled.Store(enabled)
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Logged:       m.loggedTotal.Load(),
		Skipped:      m.skippedTotal.Load(),
		SinkRejected: m.sinkRejectedTotal.Load(),
	}
}

func (m *Monitor) currentEnvironment() Environment {
	env := m.environment()
	if env.VisibilityState == "" {
		env.VisibilityState = perflog.VisibilityVisible
	}
	if env.ServiceWorkerStatus == "" {
		env.ServiceWorkerStatus = perflog.ServiceWorkerUnsupported
	}
	return env
}

func (m *Monitor) shouldLog(t *Trace, env Environment) (bool, string) {
	if t.isAuto && !m.InstrumentationEnabled() {
		return false, "instrumentation_disabled"
	}
	if !t.isAuto && !m.DataCollectionEnabled() {
		return false, "data_collection_disabled"
	}
	if t.isAuto && env.VisibilityState != perflog.VisibilityVisible {
		return false, "not_visible"
	}
	if m.installationID == "" {
		return false, "missing_installation_id"
	}
	if !m.settings.loggingEnabled.Load() {
		return false, "logging_disabled"
	}
	if !m.settings.logTraceAfterSampling {
		return false, "sampled_out"
	}
	return true, ""
}

func (m *Monitor) logTrace(t *Trace) {
	env := m.currentEnvironment()
	if ok, reason := m.shouldLog(t, env); !ok {
		m.skippedTotal.Add(1)
		m.logger.Debug("perf trace not logged", "trace", t.name, "reason", reason)
		return
	}

	event := &perflog.Event{
		Log: perflog.PerfLog{
			ApplicationInfo: perflog.ApplicationInfo{
				AppID:         m.appID,
				AppInstanceID: m.installationID,
				WebAppInfo: perflog.WebAppInfo{
					SDKVersion:              m.sdkVersion,
					PageURL:                 env.PageURL,
					ServiceWorkerStatus:     env.ServiceWorkerStatus,
					VisibilityState:         env.VisibilityState,
					EffectiveConnectionType: env.EffectiveConnectionType,
				},
			},
			TraceMetric: t.snapshot(),
		},
		EventTime: m.now().UTC(),
	}

	m.loggedTotal.Add(1)
	for _, sink := range m.sinks {
		if !sink.Enqueue(event) {
			m.sinkRejectedTotal.Add(1)
			m.logger.Warn("perf sink rejected trace", "trace", t.name)
		}
	}
}
