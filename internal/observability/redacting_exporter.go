package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const payloadRedacted = "[PAYLOAD_REDACTED]"

// payloadAttributeKeys are span attributes whose string values are dropped
// wholesale before export: chat message and response bodies carry user
// text, and captured authorization headers carry the Langfuse basic-auth
// pair. Neither belongs in the telemetry backend regardless of what the
// value happens to look like.
var payloadAttributeKeys = map[attribute.Key]struct{}{
	"tracedchat.chat.message":            {},
	"tracedchat.chat.response":           {},
	"http.request.header.authorization":  {},
	"http.response.header.authorization": {},
}

// redactingExporter filters spans on their way to the configured exporter.
// Payload attributes are replaced outright; every other string attribute,
// event attribute, and the status description is scrubbed for credential
// patterns. Runs on the batch export goroutine, off the request path.
type redactingExporter struct {
	next sdktrace.SpanExporter
}

func newRedactingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &redactingExporter{next: next}
}

// ExportSpans redacts dirty spans and forwards the batch. A batch with
// nothing to hide passes through as-is.
func (e *redactingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var redacted []sdktrace.ReadOnlySpan
	for i, span := range spans {
		clean := redactSpan(span)
		if clean == span {
			if redacted != nil {
				redacted = append(redacted, span)
			}
			continue
		}
		if redacted == nil {
			redacted = make([]sdktrace.ReadOnlySpan, 0, len(spans))
			redacted = append(redacted, spans[:i]...)
		}
		redacted = append(redacted, clean)
	}
	if redacted == nil {
		redacted = spans
	}
	return e.next.ExportSpans(ctx, redacted)
}

func (e *redactingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// redactSpan returns span unchanged when it is clean, or a redacted copy.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsRedaction(span) {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = redactAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = redactAttributes(event.Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func spanNeedsRedaction(span sdktrace.ReadOnlySpan) bool {
	if attributesNeedRedaction(span.Attributes()) {
		return true
	}
	for _, event := range span.Events() {
		if attributesNeedRedaction(event.Attributes) {
			return true
		}
	}
	return ContainsCredential(span.Status().Description)
}

func attributesNeedRedaction(attrs []attribute.KeyValue) bool {
	for _, attr := range attrs {
		if attr.Value.Type() != attribute.STRING {
			continue
		}
		if _, blocked := payloadAttributeKeys[attr.Key]; blocked {
			return true
		}
		if ContainsCredential(attr.Value.AsString()) {
			return true
		}
	}
	return false
}

func redactAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	redacted := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		redacted[i] = attr
		if attr.Value.Type() != attribute.STRING {
			continue
		}
		if _, blocked := payloadAttributeKeys[attr.Key]; blocked {
			redacted[i] = attribute.String(string(attr.Key), payloadRedacted)
			continue
		}
		if value := attr.Value.AsString(); ContainsCredential(value) {
			redacted[i] = attribute.String(string(attr.Key), ScrubCredentials(value))
		}
	}
	return redacted
}
