package inference

import "context"

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat-completion conversation.
type Message struct {
	Role    string
	Content string
}

// Request is one chat-completion call to an inference provider.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Usage holds the provider-reported token counts for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is the provider's answer: the completion text, the exact model
// that served it, and its token accounting.
type Result struct {
	Text  string
	Model string
	Usage Usage
}

// Client performs chat completions against an inference provider. Errors
// returned here are recoverable at request scope: the request fails but
// the process keeps serving.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}
