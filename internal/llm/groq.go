package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// GroqProvider calls the Groq chat completions API. Groq exposes an
// OpenAI-compatible surface, so the OpenAI client is pointed at the Groq
// base URL rather than carrying a separate SDK.
type GroqProvider struct {
	client  *openai.Client
	timeout time.Duration
}

// NewGroqProvider creates a Groq provider. baseURL must include the /v1
// suffix (e.g. https://api.groq.com/openai/v1); an empty baseURL falls back
// to the OpenAI default, which is mainly useful in tests.
func NewGroqProvider(apiKey, baseURL string, timeout time.Duration) *GroqProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &GroqProvider{
		client:  openai.NewClientWithConfig(cfg),
		timeout: timeout,
	}
}

// Name returns the provider identifier.
func (p *GroqProvider) Name() string {
	return "groq"
}

// Generate sends a chat completion request to Groq.
func (p *GroqProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("groq api call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("groq api call: %w", ErrNoChoices)
	}

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}
