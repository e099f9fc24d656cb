package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder creates, mutates, and finalizes traces and hands finished
// records to the writer for asynchronous delivery. Recording itself is
// local and in-memory; only Flush touches external I/O.
type Recorder struct {
	writer *Writer
	now    func() time.Time
	newID  func() string
}

// RecorderOption customizes a Recorder; used by tests to pin clocks and
// identifiers.
type RecorderOption func(*Recorder)

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(newID func() string) RecorderOption {
	return func(r *Recorder) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func NewRecorder(writer *Writer, opts ...RecorderOption) *Recorder {
	recorder := &Recorder{
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(recorder)
	}
	return recorder
}

// TraceHandle is the mutable view of one open trace. A handle is owned by
// the goroutine handling one request; after End the ownership of the
// finished records passes to the writer's queue.
type TraceHandle struct {
	mu       sync.Mutex
	recorder *Recorder
	trace    *Trace
	spans    []*Span
	ended    bool
}

// SpanHandle is the mutable view of one open span or generation.
type SpanHandle struct {
	mu    sync.Mutex
	trace *TraceHandle
	span  *Span
	ended bool
}

// BeginTrace allocates a fresh trace with a unique identifier, a start
// timestamp, and status pending. It performs no I/O and never fails.
func (r *Recorder) BeginTrace(name, userID string, input any, metadata map[string]any, tags []string) *TraceHandle {
	return &TraceHandle{
		recorder: r,
		trace: &Trace{
			ID:        r.newID(),
			Name:      name,
			UserID:    userID,
			Input:     input,
			Metadata:  cloneMetadata(metadata),
			Tags:      append([]string(nil), tags...),
			StartTime: r.now(),
			Status:    StatusPending,
		},
	}
}

// ID returns the trace's immutable identifier.
func (t *TraceHandle) ID() string {
	return t.trace.ID
}

// BeginSpan opens a plain span under the trace. It fails with
// *InvalidStateError when the trace has already been finalized.
func (t *TraceHandle) BeginSpan(name string, input any, metadata map[string]any) (*SpanHandle, error) {
	return t.begin(name, KindSpan, input, metadata, "")
}

// BeginGeneration opens a generation span wrapping one inference call.
// The model identifier is required for generations; it may later be
// replaced by the provider-reported model when the generation ends.
func (t *TraceHandle) BeginGeneration(name, model string, input any, metadata map[string]any) (*SpanHandle, error) {
	if model == "" {
		return nil, &InvalidStateError{
			Entity: "generation",
			ID:     t.trace.ID,
			Op:     "begin",
			Reason: "model is required for a generation span",
		}
	}
	return t.begin(name, KindGeneration, input, metadata, model)
}

func (t *TraceHandle) begin(name string, kind Kind, input any, metadata map[string]any, model string) (*SpanHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return nil, &InvalidStateError{
			Entity: "trace",
			ID:     t.trace.ID,
			Op:     "begin_span",
			Reason: "trace already finalized",
		}
	}

	span := &Span{
		ID:        t.recorder.newID(),
		TraceID:   t.trace.ID,
		Name:      name,
		Kind:      kind,
		Input:     input,
		Metadata:  cloneMetadata(metadata),
		StartTime: t.recorder.now(),
		Status:    StatusPending,
		Model:     model,
	}
	t.spans = append(t.spans, span)
	return &SpanHandle{trace: t, span: span}, nil
}

// End freezes the span with its output, extra metadata, and terminal
// status. Ending a span twice fails with *InvalidStateError.
func (s *SpanHandle) End(output any, metadata map[string]any, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return &InvalidStateError{
			Entity: string(s.span.Kind),
			ID:     s.span.ID,
			Op:     "end",
			Reason: "span already ended",
		}
	}

	s.span.Output = output
	mergeMetadata(s.span, metadata)
	s.span.EndTime = s.trace.recorder.now()
	s.span.Status = status
	s.ended = true
	return nil
}

// EndGeneration freezes a generation with the inference call's output,
// the provider-reported model and usage, and a terminal status. Usage
// arithmetic is validated; a mismatch is flagged in metadata and never
// fails the call.
func (s *SpanHandle) EndGeneration(output any, model string, usage Usage, metadata map[string]any, status Status) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return &InvalidStateError{
			Entity: string(s.span.Kind),
			ID:     s.span.ID,
			Op:     "end",
			Reason: "span already ended",
		}
	}

	if model != "" {
		s.span.Model = model
	}
	usageCopy := usage
	s.span.Usage = &usageCopy
	if warning, ok := CheckUsage(usage); !ok {
		mergeMetadata(s.span, map[string]any{MetadataKeyUsageWarning: warning})
	}
	s.mu.Unlock()

	return s.End(output, metadata, status)
}

// End finalizes the trace: the output and end timestamp are set exactly
// once, and the trace followed by its spans in creation order is enqueued
// for delivery. Finalizing twice fails with *InvalidStateError.
func (t *TraceHandle) End(output any, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return &InvalidStateError{
			Entity: "trace",
			ID:     t.trace.ID,
			Op:     "end",
			Reason: "trace already finalized",
		}
	}

	t.trace.Output = output
	t.trace.EndTime = t.recorder.now()
	t.trace.Status = status
	t.ended = true

	// Creation order is the authoritative delivery order: the trace
	// first, then each span in the order it was begun.
	t.recorder.writer.Enqueue(&Record{Trace: t.trace})
	for _, span := range t.spans {
		t.recorder.writer.Enqueue(&Record{Span: span})
	}
	return nil
}

// Flush forces delivery of every record enqueued before the call,
// blocking on the underlying writer. Repeated calls with nothing new to
// send are no-ops.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.writer.Flush(ctx)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func mergeMetadata(span *Span, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if span.Metadata == nil {
		span.Metadata = make(map[string]any, len(metadata))
	}
	for key, value := range metadata {
		span.Metadata[key] = value
	}
}
