package langfuse

import (
	"time"

	"github.com/tracedchat/tracedchat/internal/trace"
)

// Ingestion event types understood by the Langfuse batch endpoint.
const (
	eventTraceCreate      = "trace-create"
	eventSpanCreate       = "span-create"
	eventGenerationCreate = "generation-create"
)

// Observation levels. Spans that ended with an error status are delivered
// at ERROR level so they surface in the backend UI.
const (
	levelDefault = "DEFAULT"
	levelError   = "ERROR"
)

// ingestionEvent is one envelope in an ingestion batch. The envelope id
// deduplicates redelivered events on the backend; it is distinct from the
// id of the trace or observation in the body.
type ingestionEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Body      any    `json:"body"`
}

type ingestionBatch struct {
	Batch []ingestionEvent `json:"batch"`
}

// ingestionResponse is the 207 multi-status body returned by the
// ingestion endpoint.
type ingestionResponse struct {
	Successes []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
	} `json:"successes"`
	Errors []struct {
		ID      string `json:"id"`
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"errors"`
}

type tracePayload struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp,omitempty"`
	Name      string         `json:"name,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

type observationPayload struct {
	ID                  string         `json:"id"`
	TraceID             string         `json:"traceId"`
	Name                string         `json:"name,omitempty"`
	StartTime           string         `json:"startTime,omitempty"`
	EndTime             string         `json:"endTime,omitempty"`
	ParentObservationID string         `json:"parentObservationId,omitempty"`
	Input               any            `json:"input,omitempty"`
	Output              any            `json:"output,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Level               string         `json:"level,omitempty"`
	StatusMessage       string         `json:"statusMessage,omitempty"`

	// Generation-only fields.
	Model string        `json:"model,omitempty"`
	Usage *usagePayload `json:"usage,omitempty"`
}

type usagePayload struct {
	Input  int    `json:"input"`
	Output int    `json:"output"`
	Total  int    `json:"total"`
	Unit   string `json:"unit,omitempty"`
}

func eventForRecord(record *trace.Record, eventID string, at time.Time) ingestionEvent {
	event := ingestionEvent{
		ID:        eventID,
		Timestamp: formatTime(at),
	}

	switch {
	case record.Trace != nil:
		event.Type = eventTraceCreate
		event.Body = traceBody(record.Trace)
	case record.Span != nil:
		if record.Span.Kind == trace.KindGeneration {
			event.Type = eventGenerationCreate
		} else {
			event.Type = eventSpanCreate
		}
		event.Body = observationBody(record.Span)
	}
	return event
}

func traceBody(t *trace.Trace) tracePayload {
	metadata := t.Metadata
	if t.Status != "" {
		metadata = withStatus(metadata, string(t.Status))
	}
	return tracePayload{
		ID:        t.ID,
		Timestamp: formatTime(t.StartTime),
		Name:      t.Name,
		UserID:    t.UserID,
		Input:     t.Input,
		Output:    t.Output,
		Metadata:  metadata,
		Tags:      t.Tags,
	}
}

func observationBody(s *trace.Span) observationPayload {
	payload := observationPayload{
		ID:                  s.ID,
		TraceID:             s.TraceID,
		Name:                s.Name,
		StartTime:           formatTime(s.StartTime),
		EndTime:             formatTime(s.EndTime),
		ParentObservationID: s.ParentID,
		Input:               s.Input,
		Output:              s.Output,
		Metadata:            s.Metadata,
		Level:               levelDefault,
		Model:               s.Model,
	}
	if s.Status == trace.StatusError {
		payload.Level = levelError
		payload.StatusMessage = string(trace.StatusError)
	}
	if s.Usage != nil {
		payload.Usage = &usagePayload{
			Input:  s.Usage.PromptTokens,
			Output: s.Usage.CompletionTokens,
			Total:  s.Usage.TotalTokens,
			Unit:   "TOKENS",
		}
	}
	return payload
}

func withStatus(metadata map[string]any, status string) map[string]any {
	merged := make(map[string]any, len(metadata)+1)
	for key, value := range metadata {
		merged[key] = value
	}
	merged["status"] = status
	return merged
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
