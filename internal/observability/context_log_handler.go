package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tracedchat/tracedchat/internal/correlation"
)

// contextLogHandler enriches log records with the identifiers carried in
// the request context: the correlation request ID and, when a span is
// recording, the OpenTelemetry trace and span IDs. A log line is then
// joinable against both the caller's X-Request-ID and the exported spans.
type contextLogHandler struct {
	inner slog.Handler
}

// NewContextLogHandler wraps inner so every record logged with a request
// context carries request_id, trace_id, and span_id attributes. A nil
// inner falls back to slog.Default().
func NewContextLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &contextLogHandler{inner: inner}
}

func (h *contextLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(contextAttrs(ctx)...)
	return h.inner.Handle(ctx, record)
}

func (h *contextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextLogHandler) WithGroup(name string) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithGroup(name)}
}

// contextAttrs extracts the loggable request identifiers from ctx. A
// context without a request ID or a recording span contributes nothing.
func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if requestID, ok := correlation.FromContext(ctx); ok {
		attrs = append(attrs, slog.String("request_id", requestID))
	}
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() && span.IsRecording() {
		spanContext := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanContext.TraceID().String()),
			slog.String("span_id", spanContext.SpanID().String()),
		)
	}
	return attrs
}
