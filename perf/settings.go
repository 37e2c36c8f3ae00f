package perf

import (
	"math/rand/v2"
	"sync/atomic"
)

// Settings controls which finished traces are handed to sinks.
type Settings struct {
	DataCollectionEnabled  bool
	InstrumentationEnabled bool
	LoggingEnabled         bool
	// TracesSamplingRate is the probability in [0, 1] that this monitor logs traces.
	TracesSamplingRate float64
}

// DefaultSettings enables everything with full sampling.
func DefaultSettings() Settings {
	return Settings{
		DataCollectionEnabled:  true,
		InstrumentationEnabled: true,
		LoggingEnabled:         true,
		TracesSamplingRate:     1,
	}
}

// runtimeSettings holds the mutable flags of a running monitor. The sampling
// decision is drawn once so a monitor either logs all its traces or none.
type runtimeSettings struct {
	dataCollectionEnabled  atomic.Bool
	instrumentationEnabled atomic.Bool
	loggingEnabled         atomic.Bool
	logTraceAfterSampling  bool
}

func newRuntimeSettings(s Settings, random func() float64) *runtimeSettings {
	if random == nil {
		random = rand.Float64
	}
	rs := &runtimeSettings{
		logTraceAfterSampling: random() < s.TracesSamplingRate,
	}
	rs.dataCollectionEnabled.Store(s.DataCollectionEnabled)
	rs.instrumentationEnabled.Store(s.InstrumentationEnabled)
	rs.loggingEnabled.Store(s.LoggingEnabled)
	return rs
}
