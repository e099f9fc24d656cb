package trace

import "time"

// Status is the lifecycle outcome of a trace or span. A record starts
// pending and moves to exactly one terminal status when it is ended.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Kind distinguishes plain spans from generations. A generation is a span
// specialized for one inference call and additionally carries the model
// identifier and token usage.
type Kind string

const (
	KindSpan       Kind = "span"
	KindGeneration Kind = "generation"
)

// Usage holds the token counts reported by the inference provider for one
// generation. Provider-reported values are authoritative and are never
// recomputed here.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Trace is the complete record of one inbound request from entry to
// response. ID is immutable after creation; Output and EndTime are set
// exactly once when the trace is finalized.
type Trace struct {
	ID        string
	Name      string
	UserID    string
	Input     any
	Output    any
	Metadata  map[string]any
	Tags      []string
	StartTime time.Time
	EndTime   time.Time
	Status    Status
}

// Span is one instrumented stage within a trace. Spans are scoped to a
// single trace and ordered by creation; ParentID enables tree
// reconstruction but creation order is the authoritative delivery order.
type Span struct {
	ID        string
	TraceID   string
	ParentID  string
	Name      string
	Kind      Kind
	Input     any
	Output    any
	Metadata  map[string]any
	StartTime time.Time
	EndTime   time.Time
	Status    Status

	// Generation-only fields.
	Model string
	Usage *Usage
}

// Record is one finalized unit of telemetry awaiting delivery. Exactly one
// of Trace or Span is set.
type Record struct {
	Trace *Trace
	Span  *Span
}
