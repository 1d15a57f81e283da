package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
)

func newGroqTestServer(t *testing.T, handler http.HandlerFunc) *GroqProvider {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewGroqProvider("test-api-key", ts.URL+"/v1", 5*time.Second)
}

func TestGroqGenerate_Success(t *testing.T) {
	provider := newGroqTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama-3.3-70b-versatile", req.Model)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-test123",
			Model: "llama-3.3-70b-versatile",
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Role:    "assistant",
						Content: "I've sent a reset link to <EMAIL_1>.",
					},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{
				PromptTokens:     42,
				CompletionTokens: 12,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	req := &Request{
		Model: "llama-3.3-70b-versatile",
		Messages: []Message{
			{Role: RoleSystem, Content: SystemPrompt},
			{Role: RoleUser, Content: "My email is <EMAIL_1>, I cannot log in."},
		},
		Temperature: 0.7,
		MaxTokens:   1024,
	}

	resp, err := provider.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "I've sent a reset link to <EMAIL_1>.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 42, resp.InputTokens)
	assert.Equal(t, 12, resp.OutputTokens)
	assert.Equal(t, "llama-3.3-70b-versatile", resp.Model)
}

func TestGroqGenerate_APIError(t *testing.T) {
	provider := newGroqTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Invalid API key",
				"type":    "invalid_request_error",
			},
		})
	})

	_, err := provider.Generate(context.Background(), &Request{
		Model:    "llama-3.3-70b-versatile",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "groq api call")
}

func TestGroqGenerate_NoChoices(t *testing.T) {
	provider := newGroqTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-empty",
			Model: "llama-3.3-70b-versatile",
		})
	})

	_, err := provider.Generate(context.Background(), &Request{
		Model:    "llama-3.3-70b-versatile",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestSimulatedRouting(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		contains []string
	}{
		{
			name:     "account keyword",
			message:  "I can't log into my account, my email is <EMAIL_1>",
			contains: []string{"<EMAIL_1>", "<PHONE_1>", "password reset"},
		},
		{
			name:     "login keyword",
			message:  "login is broken for <USER_ID_1>",
			contains: []string{"<EMAIL_1>", "<PHONE_1>"},
		},
		{
			name:     "access keyword",
			message:  "I lost access to the portal",
			contains: []string{"verification link"},
		},
		{
			name:     "payment keyword",
			message:  "there is a payment problem on <CC_1>",
			contains: []string{"<CC_1>", "billing team"},
		},
		{
			name:     "card keyword",
			message:  "my card <CC_1> was declined",
			contains: []string{"<CC_1>", "<EMAIL_1>"},
		},
		{
			name:     "charge keyword",
			message:  "I see a strange charge",
			contains: []string{"flagged the transaction"},
		},
		{
			name:     "no keyword falls through to default",
			message:  "what are your opening hours?",
			contains: []string{"Thank you for contacting support"},
		},
	}

	provider := NewSimulatedProvider()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := provider.Generate(context.Background(), &Request{
				Messages: []Message{
					{Role: RoleSystem, Content: SystemPrompt},
					{Role: RoleUser, Content: tt.message},
				},
			})
			require.NoError(t, err)
			assert.Equal(t, "stop", resp.FinishReason)
			for _, want := range tt.contains {
				assert.Contains(t, resp.Content, want)
			}
		})
	}
}

func TestSimulatedRepliesStayMasked(t *testing.T) {
	// Simulated replies must reference tokens only, never raw PII. Stripping
	// well-formed tokens must leave no angle brackets behind.
	tokenRe := regexp.MustCompile(`<[A-Z][A-Z0-9_]*_[0-9]+>`)
	provider := NewSimulatedProvider()
	for _, msg := range []string{"account trouble", "card issue", "general question"} {
		resp, err := provider.Generate(context.Background(), &Request{
			Messages: []Message{{Role: RoleUser, Content: msg}},
		})
		require.NoError(t, err)
		assert.NotContains(t, resp.Content, "@")
		stripped := tokenRe.ReplaceAllString(resp.Content, "")
		assert.NotContains(t, stripped, "<")
		assert.NotContains(t, stripped, ">")
	}
}

func TestSimulatedUsesLatestUserMessage(t *testing.T) {
	// Earlier turns mention payments; the newest user turn is about account
	// access and must win the routing.
	provider := NewSimulatedProvider()
	resp, err := provider.Generate(context.Background(), &Request{
		Messages: []Message{
			{Role: RoleSystem, Content: SystemPrompt},
			{Role: RoleUser, Content: "my card was charged twice"},
			{Role: RoleAssistant, Content: simulatedPaymentReply},
			{Role: RoleUser, Content: "also I cannot access my account"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, simulatedAccountReply, resp.Content)
}

func TestNewFallsBackWithoutAPIKey(t *testing.T) {
	cfg := config.GetDefaults().LLM
	cfg.APIKeyEnv = "CLOAK_TEST_NO_SUCH_KEY"

	provider := New(cfg, logger.NewNop())
	assert.Equal(t, "simulated", provider.Name())
}

func TestNewSelectsGroqWithAPIKey(t *testing.T) {
	t.Setenv("CLOAK_TEST_GROQ_KEY", "gsk-test")

	cfg := config.GetDefaults().LLM
	cfg.APIKeyEnv = "CLOAK_TEST_GROQ_KEY"

	provider := New(cfg, logger.NewNop())
	assert.Equal(t, "groq", provider.Name())
}

func TestNewSimulatedProviderExplicit(t *testing.T) {
	cfg := config.GetDefaults().LLM
	cfg.Provider = "simulated"

	provider := New(cfg, logger.NewNop())
	assert.Equal(t, "simulated", provider.Name())
}
