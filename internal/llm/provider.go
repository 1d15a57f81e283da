package llm

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
)

// Message roles, matching the OpenAI chat wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoChoices is returned when the upstream API answers with an empty
// choice list.
var ErrNoChoices = errors.New("no choices returned")

// Message is a single chat turn sent to or received from the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral chat completion request. Messages must
// already be masked; providers never see raw values.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Response is a provider-neutral chat completion response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider generates chat completions from already-masked conversations.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// New builds the provider selected by cfg. When the groq provider is
// configured but its API key environment variable is empty, the simulated
// provider is returned instead so the pipeline stays usable without
// credentials.
func New(cfg config.LLMConfig, log *logger.Logger) Provider {
	switch cfg.Provider {
	case "groq":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			log.Warn("LLM API key not set, falling back to simulated responses",
				zap.String("provider", cfg.Provider),
				zap.String("api_key_env", cfg.APIKeyEnv))
			return NewSimulatedProvider()
		}
		return NewGroqProvider(apiKey, cfg.BaseURL, cfg.Timeout)
	default:
		return NewSimulatedProvider()
	}
}
