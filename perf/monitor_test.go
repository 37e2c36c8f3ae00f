package perf

import (
	"errors"
	"strings"
	"testing"

	"github.com/ongoingai/perfmon/perflog"
)

func TestNewRequiresAppID(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{AppID: "   "}); !errors.Is(err, ErrMissingAppID) {
		t.Fatalf("New() error=%v, want %v", err, ErrMissingAppID)
	}
}

func TestNewTraceValidatesName(t *testing.T) {
	t.Parallel()

	monitor, _, _ := newTestMonitor(t, nil)
	invalid := []string{"", "_auto", " padded", "padded ", strings.Repeat("n", MaxTraceNameLength+1)}
	for _, name := range invalid {
		if _, err := monitor.NewTrace(name); !errors.Is(err, ErrInvalidTraceName) {
			t.Fatalf("NewTrace(%q) error=%v, want %v", name, err, ErrInvalidTraceName)
		}
	}
	if _, err := monitor.NewTrace(strings.Repeat("n", MaxTraceNameLength)); err != nil {
		t.Fatalf("NewTrace(max length) error: %v", err)
	}
}

func TestLoggedEventCarriesApplicationInfo(t *testing.T) {
	t.Parallel()

	monitor, sink, _ := newTestMonitor(t, func(opts *Options) {
		opts.Environment = StaticEnvironment(Environment{
			PageURL:                 "https://shop.test/cart",
			EffectiveConnectionType: "4g",
		})
	})
	trace, err := monitor.NewTrace("checkout")
	if err != nil {
		t.Fatalf("NewTrace() error: %v", err)
	}
	if err := trace.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := trace.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("logged events=%d, want 1", len(events))
	}
	info := events[0].Log.ApplicationInfo
	if info.AppID != "1:123:web:abc" || info.AppInstanceID != "iid-test" {
		t.Fatalf("application info=%+v", info)
	}
	web := info.WebAppInfo
	if web.SDKVersion != "test" || web.PageURL != "https://shop.test/cart" {
		t.Fatalf("web app info=%+v", web)
	}
	if web.VisibilityState != perflog.VisibilityVisible || web.ServiceWorkerStatus != perflog.ServiceWorkerUnsupported {
		t.Fatalf("environment defaults=(%q,%q)", web.VisibilityState, web.ServiceWorkerStatus)
	}
	if web.EffectiveConnectionType != "4g" {
		t.Fatalf("effective connection type=%q, want 4g", web.EffectiveConnectionType)
	}
	if err := events[0].Validate(); err != nil {
		t.Fatalf("logged event invalid: %v", err)
	}
	if stats := monitor.Stats(); stats.Logged != 1 || stats.Skipped != 0 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestLogGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Options)
		after     func(*Monitor)
		auto      bool
		wantCount int
	}{
		{name: "custom trace logged", wantCount: 1},
		{
			name:      "data collection disabled",
			after:     func(m *Monitor) { m.SetDataCollectionEnabled(false) },
			wantCount: 0,
		},
		{
			name:      "instrumentation disabled does not gate custom traces",
			after:     func(m *Monitor) { m.SetInstrumentationEnabled(false) },
			wantCount: 1,
		},
		{
			name:      "instrumentation disabled gates auto traces",
			after:     func(m *Monitor) { m.SetInstrumentationEnabled(false) },
			auto:      true,
			wantCount: 0,
		},
		{
			name:      "data collection disabled does not gate auto traces",
			after:     func(m *Monitor) { m.SetDataCollectionEnabled(false) },
			auto:      true,
			wantCount: 1,
		},
		{
			name: "hidden page gates auto traces",
			mutate: func(opts *Options) {
				opts.Environment = StaticEnvironment(Environment{PageURL: "https://shop.test/", VisibilityState: perflog.VisibilityHidden})
			},
			auto:      true,
			wantCount: 0,
		},
		{
			name: "hidden page does not gate custom traces",
			mutate: func(opts *Options) {
				opts.Environment = StaticEnvironment(Environment{VisibilityState: perflog.VisibilityHidden})
			},
			wantCount: 1,
		},
		{
			name:      "missing installation id",
			mutate:    func(opts *Options) { opts.InstallationID = "" },
			wantCount: 0,
		},
		{
			name: "logging disabled",
			mutate: func(opts *Options) {
				settings := DefaultSettings()
				settings.LoggingEnabled = false
				opts.Settings = &settings
			},
			wantCount: 0,
		},
		{
			name: "sampled out",
			mutate: func(opts *Options) {
				settings := DefaultSettings()
				settings.TracesSamplingRate = 0.5
				opts.Settings = &settings
				opts.Random = func() float64 { return 0.9 }
			},
			wantCount: 0,
		},
		{
			name: "sampled in",
			mutate: func(opts *Options) {
				settings := DefaultSettings()
				settings.TracesSamplingRate = 0.5
				opts.Settings = &settings
				opts.Random = func() float64 { return 0.1 }
			},
			wantCount: 1,
		},
	}

	for _, tc := range tests {
		monitor, sink, _ := newTestMonitor(t, tc.mutate)
		if tc.after != nil {
			tc.after(monitor)
		}

		if tc.auto {
			monitor.CreateOobTrace([]NavigationTiming{{Duration: 1}}, nil, 0)
		} else {
			trace, err := monitor.NewTrace("gated")
			if err != nil {
				t.Fatalf("%s: NewTrace() error: %v", tc.name, err)
			}
			if err := trace.Start(); err != nil {
				t.Fatalf("%s: Start() error: %v", tc.name, err)
			}
			if err := trace.Stop(); err != nil {
				t.Fatalf("%s: Stop() error: %v", tc.name, err)
			}
		}

		if got := len(sink.Events()); got != tc.wantCount {
			t.Fatalf("%s: logged events=%d, want %d", tc.name, got, tc.wantCount)
		}
		stats := monitor.Stats()
		if stats.Logged != int64(tc.wantCount) || stats.Skipped != int64(1-tc.wantCount) {
			t.Fatalf("%s: stats=%+v", tc.name, stats)
		}
	}
}

func TestSamplingDecisionIsDrawnOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	monitor, sink, _ := newTestMonitor(t, func(opts *Options) {
		settings := DefaultSettings()
		settings.TracesSamplingRate = 0.5
		opts.Settings = &settings
		opts.Random = func() float64 {
			calls++
			if calls == 1 {
				return 0.2
			}
			return 0.99
		}
	})

	for i := 0; i < 3; i++ {
		trace, err := monitor.NewTrace("repeat")
		if err != nil {
			t.Fatalf("NewTrace() error: %v", err)
		}
		if err := trace.Start(); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if err := trace.Stop(); err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
	}

	if calls != 1 {
		t.Fatalf("random calls=%d, want 1", calls)
	}
	if got := len(sink.Events()); got != 3 {
		t.Fatalf("logged events=%d, want 3", got)
	}
}

func TestEverySinkReceivesTheEvent(t *testing.T) {
	t.Parallel()

	first := &recordingSink{}
	rejecting := &recordingSink{reject: true}
	var viaFunc []*perflog.Event
	monitor, _, _ := newTestMonitor(t, func(opts *Options) {
		opts.Sinks = []Sink{
			first,
			nil,
			rejecting,
			SinkFunc(func(event *perflog.Event) bool {
				viaFunc = append(viaFunc, event)
				return true
			}),
		}
	})

	trace, err := monitor.NewTrace("fanout")
	if err != nil {
		t.Fatalf("NewTrace() error: %v", err)
	}
	if err := trace.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := trace.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if len(first.Events()) != 1 || len(viaFunc) != 1 {
		t.Fatalf("deliveries=(%d,%d), want (1,1)", len(first.Events()), len(viaFunc))
	}
	if first.Events()[0] != viaFunc[0] {
		t.Fatal("sinks received different event values")
	}
	if stats := monitor.Stats(); stats.SinkRejected != 1 || stats.Logged != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}
