package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/perfmon/internal/config"
)

// NewLogHandler builds the process log handler from the logging section:
// text or json output at the configured level, with trace_id and span_id
// attached whenever the record's context carries a recording span.
func NewLogHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var inner slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return NewTraceLogHandler(inner)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner so records logged with a span context carry
// trace_id and span_id. A nil inner falls back to the default handler.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() && oteltrace.SpanFromContext(ctx).IsRecording() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}
