package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ongoingai/perfmon/internal/config"
	"github.com/ongoingai/perfmon/internal/pathutil"
)

const instrumentationName = "github.com/ongoingai/perfmon"

const (
	metricDispatchDropped    = "perfmon.dispatch.dropped_total"
	metricDispatchFailed     = "perfmon.dispatch.failed_total"
	metricStoreWriteFailed   = "perfmon.store.write_failed_total"
	metricTraceDuration      = "perfmon.trace.duration"
	metricDispatchBatchSizes = "perfmon.dispatch.batch_size"
)

// Runtime holds the OpenTelemetry providers and the perfmon metric hooks.
// A nil or disabled Runtime is safe to use; every hook becomes a no-op.
type Runtime struct {
	enabled    bool
	spanExport bool

	dispatchDroppedCounter  metric.Int64Counter
	dispatchFailedCounter   metric.Int64Counter
	storeWriteFailedCounter metric.Int64Counter
	dispatchBatchSizes      metric.Int64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme decides transport security.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
		runtime.spanExport = cfg.SpanExport
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.initInstruments(otel.GetMeterProvider().Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
			"otel_span_export", runtime.spanExport,
		)
	}
	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.dispatchDroppedCounter, err = meter.Int64Counter(
		metricDispatchDropped,
		metric.WithDescription("Count of logged traces the dispatcher refused because its queue was full or its retry budget was spent."),
	)
	warn(metricDispatchDropped, err)

	r.dispatchFailedCounter, err = meter.Int64Counter(
		metricDispatchFailed,
		metric.WithDescription("Count of failed log requests by error class."),
	)
	warn(metricDispatchFailed, err)

	r.storeWriteFailedCounter, err = meter.Int64Counter(
		metricStoreWriteFailed,
		metric.WithDescription("Count of trace records dropped after storage write failures."),
	)
	warn(metricStoreWriteFailed, err)

	r.dispatchBatchSizes, err = meter.Int64Histogram(
		metricDispatchBatchSizes,
		metric.WithDescription("Number of events sent per log request."),
	)
	warn(metricDispatchBatchSizes, err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// SpanExportEnabled reports whether logged perf traces should be mirrored as spans.
func (r *Runtime) SpanExportEnabled() bool {
	return r.Enabled() && r.spanExport
}

// WrapHTTPHandler wraps the agent API handler with OpenTelemetry server spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"perfmon.api",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordDispatchDrop increments the dispatcher drop counter.
func (r *Runtime) RecordDispatchDrop() {
	if !r.Enabled() || r.dispatchDroppedCounter == nil {
		return
	}
	r.dispatchDroppedCounter.Add(context.Background(), 1)
}

// RecordDispatchFailure counts one failed log request.
func (r *Runtime) RecordDispatchFailure(errorClass string) {
	if !r.Enabled() || r.dispatchFailedCounter == nil {
		return
	}
	r.dispatchFailedCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("error_class", strings.TrimSpace(errorClass))),
	)
}

// RecordDispatchBatch records the size of a log request that was sent.
func (r *Runtime) RecordDispatchBatch(batchSize int) {
	if !r.Enabled() || r.dispatchBatchSizes == nil || batchSize <= 0 {
		return
	}
	r.dispatchBatchSizes.Record(context.Background(), int64(batchSize))
}

// RecordStoreWriteFailure increments a counter for dropped trace records.
func (r *Runtime) RecordStoreWriteFailure(operation, errorClass, driver string, failedCount int) {
	if !r.Enabled() || failedCount <= 0 || r.storeWriteFailedCounter == nil {
		return
	}
	r.storeWriteFailedCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(errorClass)),
			attribute.String("store", strings.TrimSpace(driver)),
		),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + apiRoutePattern(path)
}

// apiRoutePattern collapses trace ids so span names stay low cardinality.
func apiRoutePattern(path string) string {
	path = pathutil.NormalizePrefix(path)
	if strings.HasPrefix(path, "/api/traces/") {
		return "/api/traces/{id}"
	}
	if strings.HasPrefix(path, "/api/") || path == "/" {
		return path
	}
	return "/other"
}

func clientSpanName(method, path string) string {
	return "perfmon.dispatch " + normalizedMethod(method) + " " + pathutil.NormalizePrefix(path)
}

func normalizedMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}
