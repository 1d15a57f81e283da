package pii

import (
	"context"
	"fmt"
	"sync"
)

// CallFunc is the external text service boundary. It receives masked text
// and returns the service's reply, which is expected to carry the same
// tokens. The boundary never sees raw values or the mapping.
type CallFunc func(ctx context.Context, masked string) (string, error)

// Exchange is the outcome of one full pipeline pass: the mask result for the
// outbound text, the service's raw (still masked) reply, and the final
// unmasked text for the caller.
type Exchange struct {
	Mask        Result
	MaskedReply string
	Final       string
}

// Session owns one Store and serializes every operation against it. Mask and
// Unmask calls from different goroutines cannot interleave mid-mutation;
// counter allocation stays consistent without any global state.
type Session struct {
	id     string
	mu     sync.Mutex
	store  *Store
	engine *Engine
}

// NewSession creates a session with a fresh mapping store.
func NewSession(id string, engine *Engine) *Session {
	return &Session{
		id:     id,
		store:  NewStore(),
		engine: engine,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Mask replaces detected PII in text with this session's tokens.
func (s *Session) Mask(text string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Mask(s.store, text)
}

// Unmask restores original values for every token this session has issued.
func (s *Session) Unmask(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Unmask(s.store, text)
}

// Process runs the pipeline around one external call: mask the raw text,
// invoke the service with the masked form, unmask its reply. This is the
// only place the external service is invoked; a failed call is surfaced
// as-is with no retry, wrapped so callers can still inspect the cause.
func (s *Session) Process(ctx context.Context, raw string, call CallFunc) (*Exchange, error) {
	result := s.Mask(raw)

	reply, err := call(ctx, result.Masked)
	if err != nil {
		return nil, fmt.Errorf("text service call failed: %w", err)
	}

	return &Exchange{
		Mask:        result,
		MaskedReply: reply,
		Final:       s.Unmask(reply),
	}, nil
}

// Mapping returns a copy of the current token to value pairs, the
// diagnostic view behind the "show" action.
func (s *Session) Mapping() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

// MappingSize returns the number of active token mappings.
func (s *Session) MappingSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// Reset clears all mappings and counters, starting a fresh token namespace.
// Text returned before the reset is unaffected; it simply can no longer be
// unmasked here.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Reset()
}
