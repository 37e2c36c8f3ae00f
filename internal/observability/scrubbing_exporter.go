package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts credentials from span names, string attributes,
// event attributes and status descriptions before delegating to the wrapped
// exporter. It runs on the batch export goroutine.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = scrubSpan(span)
	}
	return e.wrapped.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns span itself when it carries no credential.
func scrubSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanHasCredential(span) {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Name = ScrubCredentials(stub.Name)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Name = ScrubCredentials(stub.Events[i].Name)
		stub.Events[i].Attributes = scrubAttributes(stub.Events[i].Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func spanHasCredential(span sdktrace.ReadOnlySpan) bool {
	if ContainsCredential(span.Name()) || ContainsCredential(span.Status().Description) {
		return true
	}
	if attributesHaveCredential(span.Attributes()) {
		return true
	}
	for _, event := range span.Events() {
		if ContainsCredential(event.Name) || attributesHaveCredential(event.Attributes) {
			return true
		}
	}
	return false
}

func attributesHaveCredential(attrs []attribute.KeyValue) bool {
	for _, attr := range attrs {
		if attr.Value.Type() == attribute.STRING && ContainsCredential(attr.Value.AsString()) {
			return true
		}
	}
	return false
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		out[i] = attr
		if attr.Value.Type() != attribute.STRING {
			continue
		}
		if value := attr.Value.AsString(); ContainsCredential(value) {
			out[i] = attribute.String(string(attr.Key), ScrubCredentials(value))
		}
	}
	return out
}
