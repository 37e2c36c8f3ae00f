package observability

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/perfmon/internal/pathutil"
	"github.com/ongoingai/perfmon/perflog"
)

const (
	traceKindCustom   = "custom"
	traceKindPageLoad = "page_load"
)

// SpanSink mirrors logged perf traces as OpenTelemetry spans and records
// their durations in the perfmon.trace.duration histogram. It implements
// perf.Sink.
type SpanSink struct {
	tracer   oteltrace.Tracer
	duration metric.Float64Histogram
}

// NewSpanSink builds a sink on the given providers; nil means the global ones.
func NewSpanSink(tp oteltrace.TracerProvider, mp metric.MeterProvider) (*SpanSink, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	duration, err := mp.Meter(instrumentationName).Float64Histogram(
		metricTraceDuration,
		metric.WithDescription("Duration of logged perf traces."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s histogram: %w", metricTraceDuration, err)
	}
	return &SpanSink{
		tracer:   tp.Tracer(instrumentationName),
		duration: duration,
	}, nil
}

// SpanSink returns a sink over the global providers when span export is on,
// and nil otherwise.
func (r *Runtime) SpanSink() (*SpanSink, error) {
	if !r.SpanExportEnabled() {
		return nil, nil
	}
	return NewSpanSink(nil, nil)
}

func (s *SpanSink) Enqueue(event *perflog.Event) bool {
	if s == nil || event.Validate() != nil {
		return false
	}
	trace := event.Log.TraceMetric
	info := event.Log.ApplicationInfo
	route := pathutil.PageRoute(info.WebAppInfo.PageURL)

	kind := traceKindCustom
	spanName := trace.Name
	if trace.IsAuto {
		kind = traceKindPageLoad
		spanName = "page_load " + route
	}

	attrs := make([]attribute.KeyValue, 0, 6+len(trace.Counters)+len(trace.CustomAttributes))
	attrs = append(attrs,
		attribute.String("perf.trace.name", trace.Name),
		attribute.Bool("perf.trace.is_auto", trace.IsAuto),
		attribute.String("perf.app_id", info.AppID),
		attribute.String("perf.app_instance_id", info.AppInstanceID),
	)
	if route != "" {
		attrs = append(attrs, attribute.String("perf.page.route", route))
	}
	for _, name := range sortedKeys(trace.Counters) {
		attrs = append(attrs, attribute.Int64("perf.trace.counter."+name, trace.Counters[name]))
	}
	for _, name := range sortedKeys(trace.CustomAttributes) {
		attrs = append(attrs, attribute.String("perf.trace.attribute."+name, ScrubCredentials(trace.CustomAttributes[name])))
	}

	start := trace.StartTime()
	_, span := s.tracer.Start(
		context.Background(),
		spanName,
		oteltrace.WithTimestamp(start),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(attrs...),
	)
	span.End(oteltrace.WithTimestamp(start.Add(trace.Duration())))

	// Page load trace names embed the URL; label them by route instead.
	label := trace.Name
	if trace.IsAuto {
		label = route
	}
	s.duration.Record(
		context.Background(),
		float64(trace.DurationUs)/1000,
		metric.WithAttributes(
			attribute.String("trace_kind", kind),
			attribute.String("trace_name", label),
		),
	)
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
