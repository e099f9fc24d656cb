package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client over the OpenAI chat-completion API.
type OpenAIClient struct {
	client *openai.Client
}

// OpenAIOption customizes the underlying SDK client.
type OpenAIOption func(*openai.ClientConfig)

// WithBaseURL points the client at a different OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(cfg *openai.ClientConfig) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			cfg.BaseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client used for completion calls (used
// to wrap outbound calls in OpenTelemetry client spans).
func WithHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(cfg *openai.ClientConfig) {
		if httpClient != nil {
			cfg.HTTPClient = httpClient
		}
	}
}

func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, message := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: response carried no choices (model %q)", req.Model)
	}

	return &Result{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
