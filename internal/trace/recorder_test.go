package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type captureExporter struct {
	mu      sync.Mutex
	records []*Record
	batches int
}

func (e *captureExporter) ExportRecord(_ context.Context, record *Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

func (e *captureExporter) ExportBatch(_ context.Context, records []*Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, records...)
	e.batches++
	return nil
}

func (e *captureExporter) Records() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Record(nil), e.records...)
}

func newTestRecorder(t *testing.T, exporter Exporter) (*Recorder, *Writer) {
	t.Helper()
	writer := NewWriter(exporter, 64)
	writer.Start(context.Background())
	t.Cleanup(writer.Stop)
	return NewRecorder(writer), writer
}

func TestBeginTraceAllocatesUniqueIDs(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
		if handle.ID() == "" {
			t.Fatal("trace id should not be empty")
		}
		if seen[handle.ID()] {
			t.Fatalf("duplicate trace id %q", handle.ID())
		}
		seen[handle.ID()] = true
	}
}

func TestBeginTraceRecordsPendingStatusAndStartTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	writer := NewWriter(&captureExporter{}, 8)
	writer.Start(context.Background())
	defer writer.Stop()
	recorder := NewRecorder(writer, WithClock(func() time.Time { return now }))

	handle := recorder.BeginTrace("chat_conversation", "demo", map[string]any{"message": "hi"}, map[string]any{"k": "v"}, []string{"chatbot"})

	if handle.trace.Status != StatusPending {
		t.Fatalf("status=%q, want %q", handle.trace.Status, StatusPending)
	}
	if !handle.trace.StartTime.Equal(now) {
		t.Fatalf("start time=%v, want %v", handle.trace.StartTime, now)
	}
	if !handle.trace.EndTime.IsZero() {
		t.Fatal("end time should be unset until finalize")
	}
}

func TestEndTraceEnqueuesRecordsInCreationOrder(t *testing.T) {
	t.Parallel()

	exporter := &captureExporter{}
	recorder, writer := newTestRecorder(t, exporter)

	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
	generation, err := handle.BeginGeneration("openai_api_call", "gpt-3.5-turbo", "What is AI?", nil)
	if err != nil {
		t.Fatalf("begin generation: %v", err)
	}
	if err := generation.EndGeneration("AI is...", "gpt-3.5-turbo-0125", Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 35}, nil, StatusSuccess); err != nil {
		t.Fatalf("end generation: %v", err)
	}
	span, err := handle.BeginSpan("response_processing", nil, nil)
	if err != nil {
		t.Fatalf("begin span: %v", err)
	}
	if err := span.End("AI is...", nil, StatusSuccess); err != nil {
		t.Fatalf("end span: %v", err)
	}
	if err := handle.End(map[string]any{"response": "AI is..."}, StatusSuccess); err != nil {
		t.Fatalf("end trace: %v", err)
	}
	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	records := exporter.Records()
	if len(records) != 3 {
		t.Fatalf("record count=%d, want 3", len(records))
	}
	if records[0].Trace == nil {
		t.Fatal("first delivered record should be the trace")
	}
	if records[1].Span == nil || records[1].Span.Kind != KindGeneration {
		t.Fatalf("second delivered record should be the generation, got %+v", records[1])
	}
	if records[2].Span == nil || records[2].Span.Kind != KindSpan {
		t.Fatalf("third delivered record should be the processing span, got %+v", records[2])
	}
	if records[1].Span.Model != "gpt-3.5-turbo-0125" {
		t.Fatalf("generation model=%q, want provider-reported model", records[1].Span.Model)
	}
}

func TestEndTraceTwiceFailsWithInvalidStateError(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})

	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
	if err := handle.End(nil, StatusSuccess); err != nil {
		t.Fatalf("first end: %v", err)
	}

	err := handle.End(nil, StatusSuccess)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err=%v, want *InvalidStateError", err)
	}
	if stateErr.Entity != "trace" || stateErr.Op != "end" {
		t.Fatalf("unexpected error detail: %+v", stateErr)
	}
}

func TestEndSpanTwiceFailsWithInvalidStateError(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})

	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
	span, err := handle.BeginSpan("response_processing", nil, nil)
	if err != nil {
		t.Fatalf("begin span: %v", err)
	}
	if err := span.End(nil, nil, StatusSuccess); err != nil {
		t.Fatalf("first end: %v", err)
	}

	var stateErr *InvalidStateError
	if err := span.End(nil, nil, StatusSuccess); !errors.As(err, &stateErr) {
		t.Fatalf("err=%v, want *InvalidStateError", err)
	}
}

func TestBeginSpanOnFinalizedTraceFails(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})

	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
	if err := handle.End(nil, StatusSuccess); err != nil {
		t.Fatalf("end trace: %v", err)
	}

	var stateErr *InvalidStateError
	if _, err := handle.BeginSpan("late", nil, nil); !errors.As(err, &stateErr) {
		t.Fatalf("err=%v, want *InvalidStateError", err)
	}
}

func TestBeginGenerationRequiresModel(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})
	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)

	var stateErr *InvalidStateError
	if _, err := handle.BeginGeneration("openai_api_call", "", nil, nil); !errors.As(err, &stateErr) {
		t.Fatalf("err=%v, want *InvalidStateError", err)
	}
}

func TestSpanEndTimeIsNeverBeforeStartTime(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})

	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
	span, err := handle.BeginSpan("response_processing", nil, nil)
	if err != nil {
		t.Fatalf("begin span: %v", err)
	}
	if err := span.End(nil, nil, StatusSuccess); err != nil {
		t.Fatalf("end span: %v", err)
	}
	if err := handle.End(nil, StatusSuccess); err != nil {
		t.Fatalf("end trace: %v", err)
	}

	if span.span.EndTime.Before(span.span.StartTime) {
		t.Fatalf("span end %v before start %v", span.span.EndTime, span.span.StartTime)
	}
	if handle.trace.EndTime.Before(handle.trace.StartTime) {
		t.Fatalf("trace end %v before start %v", handle.trace.EndTime, handle.trace.StartTime)
	}
}

func TestEndGenerationFlagsUsageMismatchWithoutFailing(t *testing.T) {
	t.Parallel()

	recorder, _ := newTestRecorder(t, &captureExporter{})

	handle := recorder.BeginTrace("chat_conversation", "demo", nil, nil, nil)
	generation, err := handle.BeginGeneration("openai_api_call", "gpt-3.5-turbo", nil, nil)
	if err != nil {
		t.Fatalf("begin generation: %v", err)
	}

	usage := Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 40}
	if err := generation.EndGeneration("out", "", usage, nil, StatusSuccess); err != nil {
		t.Fatalf("end generation: %v", err)
	}

	warning, ok := generation.span.Metadata[MetadataKeyUsageWarning].(string)
	if !ok || warning == "" {
		t.Fatalf("metadata=%v, want %q entry", generation.span.Metadata, MetadataKeyUsageWarning)
	}
	if generation.span.Usage.TotalTokens != 40 {
		t.Fatalf("total tokens=%d, provider-reported total must not be recomputed", generation.span.Usage.TotalTokens)
	}
	if generation.span.Status != StatusSuccess {
		t.Fatalf("status=%q, usage mismatch must not fail the generation", generation.span.Status)
	}
}

func TestConcurrentTracesDoNotShareState(t *testing.T) {
	t.Parallel()

	exporter := &captureExporter{}
	recorder, writer := newTestRecorder(t, exporter)

	const traces = 16
	var wg sync.WaitGroup
	for i := 0; i < traces; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := recorder.BeginTrace("chat_conversation", fmt.Sprintf("user-%d", i), nil, nil, nil)
			span, err := handle.BeginSpan("response_processing", nil, nil)
			if err != nil {
				t.Errorf("begin span: %v", err)
				return
			}
			if err := span.End(nil, nil, StatusSuccess); err != nil {
				t.Errorf("end span: %v", err)
				return
			}
			if err := handle.End(nil, StatusSuccess); err != nil {
				t.Errorf("end trace: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := len(exporter.Records()); got != traces*2 {
		t.Fatalf("record count=%d, want %d", got, traces*2)
	}
}
