package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/llm"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/pii"
)

// Cache stores masked replies keyed by a digest of the masked conversation.
// Keys and values are derived from masked text only; raw values never reach
// the cache. A nil Cache disables caching.
type Cache interface {
	GetReply(ctx context.Context, key string) (string, bool, error)
	SetReply(ctx context.Context, key, reply string) error
}

// Turn records one completed pipeline pass through a session.
type Turn struct {
	Raw         string
	Masked      string
	MaskedReply string
	Final       string
	At          time.Time
}

// Reply is the outcome of Session.Send, carrying every pipeline stage so
// callers can render the full masking story or just the final text.
type Reply struct {
	SessionID    string
	Input        string
	MaskedInput  string
	MappingDelta map[string]string
	MaskedReply  string
	Final        string
	Findings     []pii.Finding
	UnmaskMisses []string
	Provider     string
	Model        string
	Cached       bool
	MaskDuration time.Duration
	LLMDuration  time.Duration
}

// Session is one privacy-preserving conversation: a masking session plus the
// masked-only message history that gives the model multi-turn context. The
// provider and cache only ever see masked text.
type Session struct {
	id        string
	createdAt time.Time

	// turnMu serializes Send so turns cannot interleave; a conversation is
	// sequential by nature.
	turnMu sync.Mutex

	// mu guards history, transcript, and lastActive. It is never held across
	// provider calls, so janitor reads stay cheap while a turn is in flight.
	mu         sync.Mutex
	history    []llm.Message
	transcript []Turn
	lastActive time.Time

	pii          *pii.Session
	provider     llm.Provider
	cache        Cache
	historyLimit int
	llmCfg       config.LLMConfig
	log          *logger.Logger
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActive returns the time of the session's most recent operation.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Send runs one full pipeline turn: mask the input, send the masked
// conversation to the model (or serve the reply from cache), unmask the
// reply, and append the masked turn to the history.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	var (
		maskDur time.Duration
		llmDur  time.Duration
		cached  bool
	)

	exch, err := s.pii.Process(ctx, text, func(ctx context.Context, masked string) (string, error) {
		messages := s.messagesForTurn(masked)

		var key string
		if s.cache != nil {
			key = replyCacheKey(s.llmCfg.Model, messages)
			hit, ok, cerr := s.cache.GetReply(ctx, key)
			if cerr != nil {
				s.log.Warn("reply cache lookup failed", zap.Error(cerr))
			} else if ok {
				cached = true
				return hit, nil
			}
		}

		start := time.Now()
		resp, gerr := s.provider.Generate(ctx, &llm.Request{
			Model:       s.llmCfg.Model,
			Messages:    messages,
			Temperature: s.llmCfg.Temperature,
			MaxTokens:   s.llmCfg.MaxTokens,
		})
		llmDur = time.Since(start)
		if gerr != nil {
			return "", gerr
		}

		if s.cache != nil && key != "" {
			if cerr := s.cache.SetReply(ctx, key, resp.Content); cerr != nil {
				s.log.Warn("reply cache store failed", zap.Error(cerr))
			}
		}
		return resp.Content, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.id, err)
	}
	maskDur = exch.Mask.Duration

	misses := pii.TokenPattern.FindAllString(exch.Final, -1)
	if len(misses) > 0 {
		s.log.Debug("reply contains tokens unknown to this session",
			zap.Strings("tokens", misses))
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: exch.Mask.Masked},
		llm.Message{Role: llm.RoleAssistant, Content: exch.MaskedReply},
	)
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	s.transcript = append(s.transcript, Turn{
		Raw:         text,
		Masked:      exch.Mask.Masked,
		MaskedReply: exch.MaskedReply,
		Final:       exch.Final,
		At:          now,
	})
	s.lastActive = now
	s.mu.Unlock()

	return &Reply{
		SessionID:    s.id,
		Input:        text,
		MaskedInput:  exch.Mask.Masked,
		MappingDelta: exch.Mask.Delta,
		MaskedReply:  exch.MaskedReply,
		Final:        exch.Final,
		Findings:     exch.Mask.Findings,
		UnmaskMisses: misses,
		Provider:     s.provider.Name(),
		Model:        s.llmCfg.Model,
		Cached:       cached,
		MaskDuration: maskDur,
		LLMDuration:  llmDur,
	}, nil
}

// messagesForTurn assembles the system prompt, the masked history, and the
// newly masked input into the outbound message list.
func (s *Session) messagesForTurn(masked string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]llm.Message, 0, len(s.history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: llm.SystemPrompt})
	messages = append(messages, s.history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: masked})
	return messages
}

// Mask runs detection and masking without calling the model. Tokens
// allocated here are part of the session mapping like any other.
func (s *Session) Mask(text string) pii.Result {
	defer s.touch()
	return s.pii.Mask(text)
}

// Unmask restores original values for tokens this session has issued.
func (s *Session) Unmask(text string) string {
	defer s.touch()
	return s.pii.Unmask(text)
}

// Mapping returns a copy of the session's token to value pairs.
func (s *Session) Mapping() map[string]string {
	return s.pii.Mapping()
}

// MappingSize returns the number of active token mappings.
func (s *Session) MappingSize() int {
	return s.pii.MappingSize()
}

// Transcript returns a copy of the completed turns.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Reset clears the token mapping, the message history, and the transcript.
// The session ID survives; token numbering restarts from 1.
func (s *Session) Reset() {
	s.pii.Reset()

	s.mu.Lock()
	s.history = nil
	s.transcript = nil
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// replyCacheKey digests the model name and the masked conversation. Role and
// content are separated by NUL bytes so shifted boundaries cannot collide.
func replyCacheKey(model string, messages []llm.Message) string {
	h := sha256.New()
	io.WriteString(h, model)
	for _, m := range messages {
		h.Write([]byte{0})
		io.WriteString(h, m.Role)
		h.Write([]byte{0})
		io.WriteString(h, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
