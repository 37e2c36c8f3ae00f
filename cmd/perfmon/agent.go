package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/perfmon/internal/api"
	"github.com/ongoingai/perfmon/internal/config"
	"github.com/ongoingai/perfmon/internal/installation"
	"github.com/ongoingai/perfmon/internal/observability"
	"github.com/ongoingai/perfmon/internal/store"
	"github.com/ongoingai/perfmon/internal/transport"
	"github.com/ongoingai/perfmon/internal/version"
	"github.com/ongoingai/perfmon/perf"
	"github.com/ongoingai/perfmon/perflog"
)

const recordWriterBufferSize = 256

// agent is the monitor plus every sink the config enables.
type agent struct {
	cfg         config.Config
	logger      *slog.Logger
	otel        *observability.Runtime
	monitor     *perf.Monitor
	dispatcher  *transport.Dispatcher
	writer      *store.Writer
	recordStore store.RecordStore
}

func newAgent(ctx context.Context, cfg config.Config, logger *slog.Logger) (*agent, error) {
	a := &agent{cfg: cfg, logger: logger}

	otelRuntime, err := observability.Setup(ctx, cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
	}
	a.otel = otelRuntime

	installationID, err := installation.LoadOrCreate(cfg.App.InstanceIDPath)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("load installation id: %w", err)
	}

	var sinks []perf.Sink
	if cfg.Storage.Enabled {
		recordStore, err := store.Open(cfg.Storage.Driver, cfg.Storage.Location())
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("initialize %s storage: %w", cfg.Storage.Driver, err)
		}
		a.recordStore = recordStore
		a.writer = store.NewWriter(recordStore, recordWriterBufferSize)
		attachWriterFailureLogging(logger, a.writer, func(failure store.WriteFailure) {
			a.otel.RecordStoreWriteFailure(failure.Operation, failure.ErrorClass, cfg.Storage.Driver, failure.FailedCount)
		})
		a.writer.Start(ctx)
		sinks = append(sinks, a.writer)
	}

	if cfg.Transport.Enabled {
		dispatcher, err := transport.NewDispatcher(transport.Config{
			Endpoint:       cfg.Transport.Endpoint,
			APIKey:         cfg.Transport.APIKey,
			LogSource:      cfg.Transport.LogSource,
			InitialDelay:   cfg.Transport.InitialDelay(),
			Interval:       cfg.Transport.SendInterval(),
			MaxTries:       cfg.Transport.MaxTries,
			MaxBatchSize:   cfg.Transport.MaxBatchSize,
			QueueCapacity:  cfg.Transport.QueueCapacity,
			RequestTimeout: cfg.Transport.RequestTimeout(),
			Gzip:           cfg.Transport.Gzip,
			HTTPClient:     &http.Client{Transport: a.otel.WrapHTTPTransport(nil)},
			Logger:         logger.With("component", "dispatcher"),
		})
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("initialize transport: %w", err)
		}
		a.dispatcher = dispatcher
		attachDispatcherTelemetry(logger, dispatcher, a.otel)
		dispatcher.Start(ctx)
		sinks = append(sinks, dispatcher)
	}

	spanSink, err := a.otel.SpanSink()
	if err != nil {
		logger.Warn("perf trace span export disabled", "error", err)
	} else if spanSink != nil {
		sinks = append(sinks, spanSink)
	}

	settings := perf.Settings{
		DataCollectionEnabled:  cfg.Perf.DataCollectionEnabled,
		InstrumentationEnabled: cfg.Perf.InstrumentationEnabled,
		LoggingEnabled:         cfg.Perf.LoggingEnabled,
		TracesSamplingRate:     cfg.Perf.TracesSamplingRate,
	}
	monitor, err := perf.New(perf.Options{
		AppID:          cfg.App.AppID,
		InstallationID: installationID,
		SDKVersion:     version.SDKVersion(),
		Settings:       &settings,
		Environment: perf.StaticEnvironment(perf.Environment{
			PageURL:             cfg.App.PageURL,
			VisibilityState:     perflog.VisibilityVisible,
			ServiceWorkerStatus: perflog.ServiceWorkerUnsupported,
		}),
		Sinks:  sinks,
		Logger: logger.With("component", "perf"),
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initialize perf monitor: %w", err)
	}
	a.monitor = monitor
	return a, nil
}

// RecordTrace logs one trace with an explicit start and duration.
func (a *agent) RecordTrace(name string, start time.Time, duration time.Duration, opts perf.RecordOptions) error {
	trace, err := a.monitor.NewTrace(name)
	if err != nil {
		return err
	}
	return trace.Record(start, duration, opts)
}

func (a *agent) PipelineDiagnostics() api.PipelineDiagnostics {
	stats := a.monitor.Stats()
	out := api.PipelineDiagnostics{
		Monitor: api.MonitorCounters{
			Logged:       stats.Logged,
			Skipped:      stats.Skipped,
			SinkRejected: stats.SinkRejected,
		},
	}
	if a.writer != nil {
		diagnostics := a.writer.Diagnostics()
		out.Writer = &diagnostics
	}
	if a.dispatcher != nil {
		diagnostics := a.dispatcher.Diagnostics()
		out.Dispatcher = &diagnostics
	}
	return out
}

// Close flushes every sink within timeout and releases storage and
// telemetry. Failures are logged and joined.
func (a *agent) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.close(ctx)
}

func (a *agent) close(ctx context.Context) error {
	var errs []error
	if a.dispatcher != nil {
		start := time.Now()
		if err := a.dispatcher.Shutdown(ctx); err != nil {
			a.logger.Error("failed to deliver pending traces before exit", "error", err, "queue_depth", a.dispatcher.QueueLen())
			errs = append(errs, fmt.Errorf("flush transport: %w", err))
		} else {
			a.logger.Debug("flushed pending traces to log endpoint", "duration_ms", time.Since(start).Milliseconds())
		}
	}
	if a.writer != nil {
		if err := a.writer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to persist pending traces before exit", "error", err)
			errs = append(errs, fmt.Errorf("flush storage: %w", err))
		}
	}
	if a.recordStore != nil {
		if err := a.recordStore.Close(); err != nil {
			a.logger.Error("failed to close record store", "error", err)
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown opentelemetry providers", "error", err)
		errs = append(errs, fmt.Errorf("shutdown opentelemetry: %w", err))
	}
	return errors.Join(errs...)
}

func attachWriterFailureLogging(logger *slog.Logger, writer *store.Writer, onFailure func(store.WriteFailure)) {
	if logger == nil || writer == nil {
		return
	}
	writer.SetWriteFailureHandler(func(failure store.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if onFailure != nil {
			onFailure(failure)
		}
		logger.Error(
			"trace persistence failed; dropped trace records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func attachDispatcherTelemetry(logger *slog.Logger, dispatcher *transport.Dispatcher, otelRuntime *observability.Runtime) {
	if dispatcher == nil {
		return
	}
	dispatcher.SetMetrics(&transport.DispatcherMetrics{
		OnDrop: otelRuntime.RecordDispatchDrop,
		OnDispatch: func(batchSize int, _ time.Duration, err error) {
			if err == nil {
				otelRuntime.RecordDispatchBatch(batchSize)
			}
		},
	})
	dispatcher.SetFailureHandler(func(failure transport.DispatchFailure) {
		otelRuntime.RecordDispatchFailure(failure.ErrorClass)
		if logger != nil && failure.Err != nil {
			logger.Warn(
				"log request failed",
				"batch_size", failure.BatchSize,
				"error_class", failure.ErrorClass,
				"remaining_tries", failure.RemainingTries,
				"error", observability.ScrubCredentials(failure.Err.Error()),
			)
		}
	})
}
