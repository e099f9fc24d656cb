package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracedchat/tracedchat/internal/inference"
	"github.com/tracedchat/tracedchat/internal/langfuse"
	"github.com/tracedchat/tracedchat/internal/trace"
)

// State identifies where one request is in its lifecycle. Every request
// starts at StateReceived and terminates at StateResponded regardless of
// whether the inference call succeeded.
type State string

const (
	StateReceived           State = "received"
	StateTraceStarted       State = "trace_started"
	StateInferenceRequested State = "inference_requested"
	StateInferenceCompleted State = "inference_completed"
	StateInferenceFailed    State = "inference_failed"
	StatePostProcessed      State = "post_processed"
	StateTraceFinalized     State = "trace_finalized"
	StateResponded          State = "responded"
)

const (
	traceName          = "chat_conversation"
	generationName     = "openai_api_call"
	processingSpanName = "response_processing"
)

// Request is one inbound chat request.
type Request struct {
	Message   string
	UserID    string
	RequestID string
}

// Response is the outcome of one successfully handled chat request.
type Response struct {
	Response   string
	TraceID    string
	TraceURL   string
	TokensUsed int
	Model      string
}

// InferenceFailure wraps an inference error together with the trace that
// recorded it, so callers can surface the trace even when the call failed.
type InferenceFailure struct {
	TraceID string
	Err     error
}

func (f *InferenceFailure) Error() string {
	return "inference call failed: " + f.Err.Error()
}

func (f *InferenceFailure) Unwrap() error {
	return f.Err
}

// ModelParams are the completion parameters applied to every request.
type ModelParams struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// Options wires a Pipeline's collaborators. Recorder, Client, and
// TraceHost are required.
type Options struct {
	Recorder  *trace.Recorder
	Client    inference.Client
	Params    ModelParams
	TraceHost string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Pipeline drives one chat request through its stages: begin trace,
// generation-wrapped inference call, span-wrapped post-processing,
// finalize, flush, respond. Each request runs on its own goroutine and
// owns its trace exclusively until finalize.
type Pipeline struct {
	recorder  *trace.Recorder
	client    inference.Client
	params    ModelParams
	traceHost string
	logger    *slog.Logger
	now       func() time.Time
}

func NewPipeline(options Options) *Pipeline {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		recorder:  options.Recorder,
		client:    options.Client,
		params:    options.Params,
		traceHost: options.TraceHost,
		logger:    logger,
		now:       now,
	}
}

// Handle processes one chat request. On inference failure it returns an
// *InferenceFailure after the trace has been finalized with status error
// and handed to the delivery queue; any other error is a lifecycle bug.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	state := StateReceived

	metadata := map[string]any{
		"timestamp":      p.now().Format(time.RFC3339),
		"message_length": len(req.Message),
	}
	if req.RequestID != "" {
		metadata["request_id"] = req.RequestID
	}
	handle := p.recorder.BeginTrace(
		traceName,
		req.UserID,
		map[string]any{"message": req.Message},
		metadata,
		[]string{"chatbot", p.params.Model},
	)
	state = StateTraceStarted
	p.logger.Debug("trace started", "trace_id", handle.ID(), "user_id", req.UserID, "state", string(state))

	generation, err := handle.BeginGeneration(generationName, p.params.Model, req.Message, map[string]any{
		"temperature": p.params.Temperature,
		"max_tokens":  p.params.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	state = StateInferenceRequested

	result, inferErr := p.client.Complete(ctx, inference.Request{
		Model: p.params.Model,
		Messages: []inference.Message{
			{Role: inference.RoleSystem, Content: p.params.SystemPrompt},
			{Role: inference.RoleUser, Content: req.Message},
		},
		Temperature: p.params.Temperature,
		MaxTokens:   p.params.MaxTokens,
	})
	if inferErr != nil {
		state = StateInferenceFailed
		return nil, p.failTrace(ctx, handle, generation, req, inferErr, state)
	}
	if err := generation.EndGeneration(
		result.Text,
		result.Model,
		trace.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		nil,
		trace.StatusSuccess,
	); err != nil {
		return nil, err
	}
	state = StateInferenceCompleted

	// Post-processing is a pass-through today, but the stage is still
	// span-wrapped so the trace shape stays stable as logic grows.
	processed, err := p.postProcess(handle, result)
	if err != nil {
		return nil, err
	}
	state = StatePostProcessed

	if err := handle.End(map[string]any{
		"response": processed.Text,
		"tokens":   processed.Usage.TotalTokens,
	}, trace.StatusSuccess); err != nil {
		return nil, err
	}
	state = StateTraceFinalized

	if err := p.recorder.Flush(ctx); err != nil {
		p.logger.Warn("trace flush interrupted", "trace_id", handle.ID(), "error", err)
	}

	state = StateResponded
	p.logger.Info("chat request completed",
		"trace_id", handle.ID(),
		"user_id", req.UserID,
		"model", processed.Model,
		"tokens_used", processed.Usage.TotalTokens,
		"state", string(state),
	)

	return &Response{
		Response:   processed.Text,
		TraceID:    handle.ID(),
		TraceURL:   langfuse.TraceURL(p.traceHost, handle.ID()),
		TokensUsed: processed.Usage.TotalTokens,
		Model:      processed.Model,
	}, nil
}

// postProcess wraps the post-processing stage in a plain span. The stage
// performs no transformation; the result passes through unchanged.
func (p *Pipeline) postProcess(handle *trace.TraceHandle, result *inference.Result) (*inference.Result, error) {
	span, err := handle.BeginSpan(processingSpanName, map[string]any{
		"text":   result.Text,
		"tokens": result.Usage.TotalTokens,
		"model":  result.Model,
	}, map[string]any{"step": "validation"})
	if err != nil {
		return nil, err
	}

	processed := result

	if err := span.End(map[string]any{
		"text":   processed.Text,
		"tokens": processed.Usage.TotalTokens,
		"model":  processed.Model,
	}, map[string]any{"status": "passed"}, trace.StatusSuccess); err != nil {
		return nil, err
	}
	return processed, nil
}

// failTrace closes out a request whose inference call failed: the
// generation and the trace are finalized with status error, the records
// are still delivered, and post-processing is skipped.
func (p *Pipeline) failTrace(ctx context.Context, handle *trace.TraceHandle, generation *trace.SpanHandle, req Request, inferErr error, state State) error {
	errOutput := map[string]any{"error": inferErr.Error()}

	if err := generation.End(errOutput, map[string]any{"failed_state": string(state)}, trace.StatusError); err != nil {
		return err
	}
	if err := handle.End(errOutput, trace.StatusError); err != nil {
		return err
	}
	if err := p.recorder.Flush(ctx); err != nil {
		p.logger.Warn("trace flush interrupted", "trace_id", handle.ID(), "error", err)
	}

	p.logger.Error("chat request failed",
		"trace_id", handle.ID(),
		"user_id", req.UserID,
		"model", p.params.Model,
		"error", inferErr,
		"state", string(state),
	)
	return &InferenceFailure{TraceID: handle.ID(), Err: inferErr}
}
