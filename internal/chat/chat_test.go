package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/llm"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/pii"
)

type scriptedProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	lastReq *llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.reply, FinishReason: "stop", Model: req.Model}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) lastRequest() *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	sets int
	hits int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string]string)}
}

func (c *mapCache) GetReply(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.data[key]
	if ok {
		c.hits++
	}
	return reply, ok, nil
}

func (c *mapCache) SetReply(ctx context.Context, key, reply string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = reply
	c.sets++
	return nil
}

func newTestEngine(t *testing.T) *pii.Engine {
	t.Helper()
	cfg := config.GetDefaults()
	registry, err := pii.NewRegistry(cfg.Privacy)
	require.NoError(t, err)
	detector := pii.NewDetector(registry, logger.NewNop())
	return pii.NewEngine(detector, cfg.Privacy, logger.NewNop())
}

func newTestManager(t *testing.T, provider llm.Provider, cache Cache) *Manager {
	t.Helper()
	cfg := config.GetDefaults()
	return NewManager(newTestEngine(t), provider, cache, cfg.Sessions, cfg.LLM, logger.NewNop())
}

func TestSendMasksBeforeProviderAndUnmasksAfter(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)
	s := m.Create()

	reply, err := s.Send(context.Background(),
		"Hi, my email is demo.user@gmail.com and my phone number is (555) 123-4567. I can't log into my account.")
	require.NoError(t, err)

	assert.Equal(t,
		"Hi, my email is <EMAIL_1> and my phone number is <PHONE_1>. I can't log into my account.",
		reply.MaskedInput)

	// The simulated provider answers the account topic with tokens, which
	// must unmask back to the caller's real values.
	assert.Contains(t, reply.MaskedReply, "<EMAIL_1>")
	assert.Contains(t, reply.MaskedReply, "<PHONE_1>")
	assert.Contains(t, reply.Final, "demo.user@gmail.com")
	assert.Contains(t, reply.Final, "(555) 123-4567")
	assert.NotContains(t, reply.Final, "<EMAIL_1>")

	assert.Equal(t, map[string]string{
		"<EMAIL_1>": "demo.user@gmail.com",
		"<PHONE_1>": "(555) 123-4567",
	}, reply.MappingDelta)
	assert.Equal(t, "simulated", reply.Provider)
	assert.Empty(t, reply.UnmaskMisses)
}

func TestSendNeverShowsRawValuesToProvider(t *testing.T) {
	provider := &scriptedProvider{reply: "Noted."}
	m := newTestManager(t, provider, nil)
	s := m.Create()

	_, err := s.Send(context.Background(), "Reach me at jane.doe@example.com or 192.168.1.50")
	require.NoError(t, err)

	req := provider.lastRequest()
	require.NotNil(t, req)
	for _, msg := range req.Messages {
		assert.NotContains(t, msg.Content, "jane.doe@example.com")
		assert.NotContains(t, msg.Content, "192.168.1.50")
	}
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, llm.SystemPrompt, req.Messages[0].Content)
}

func TestSendReusesTokensAcrossTurns(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)
	s := m.Create()

	first, err := s.Send(context.Background(), "My email is demo.user@gmail.com, I lost account access")
	require.NoError(t, err)
	assert.Contains(t, first.MaskedInput, "<EMAIL_1>")
	assert.Len(t, first.MappingDelta, 1)

	second, err := s.Send(context.Background(), "Please confirm demo.user@gmail.com is on file")
	require.NoError(t, err)
	assert.Contains(t, second.MaskedInput, "<EMAIL_1>")
	assert.Empty(t, second.MappingDelta, "second occurrence must not mint a new token")
	assert.Equal(t, 1, s.MappingSize())
}

func TestSendBuildsMaskedHistory(t *testing.T) {
	provider := &scriptedProvider{reply: "Understood."}
	m := newTestManager(t, provider, nil)
	s := m.Create()

	_, err := s.Send(context.Background(), "First message from alpha@example.com")
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "Second message")
	require.NoError(t, err)

	req := provider.lastRequest()
	require.NotNil(t, req)
	// system + first user + first assistant + second user
	require.Len(t, req.Messages, 4)
	assert.Equal(t, llm.RoleUser, req.Messages[1].Role)
	assert.Contains(t, req.Messages[1].Content, "<EMAIL_1>")
	assert.Equal(t, llm.RoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "Understood.", req.Messages[2].Content)
	assert.Equal(t, "Second message", req.Messages[3].Content)
}

func TestSendTrimsHistoryToLimit(t *testing.T) {
	provider := &scriptedProvider{reply: "Ok."}
	cfg := config.GetDefaults()
	cfg.Sessions.HistoryLimit = 2
	m := NewManager(newTestEngine(t), provider, nil, cfg.Sessions, cfg.LLM, logger.NewNop())
	s := m.Create()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := s.Send(context.Background(), msg)
		require.NoError(t, err)
	}

	req := provider.lastRequest()
	require.NotNil(t, req)
	// system + trimmed history (2) + current user
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "two", req.Messages[1].Content)
	assert.Equal(t, "Ok.", req.Messages[2].Content)
	assert.Equal(t, "three", req.Messages[3].Content)
}

func TestSendProviderErrorKeepsMappingDropsTurn(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("upstream unavailable")}
	m := newTestManager(t, provider, nil)
	s := m.Create()

	_, err := s.Send(context.Background(), "card 4532-1234-5678-9012 was charged twice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")

	// Tokens allocated before the failed call stay mapped, so a retry of the
	// same text reuses them. The failed turn itself is not recorded.
	assert.Equal(t, 1, s.MappingSize())
	assert.Empty(t, s.Transcript())

	provider.mu.Lock()
	provider.err = nil
	provider.reply = "Flagged <CC_1> for review."
	provider.mu.Unlock()

	reply, err := s.Send(context.Background(), "card 4532-1234-5678-9012 was charged twice")
	require.NoError(t, err)
	assert.Equal(t, "card <CC_1> was charged twice", reply.MaskedInput)
	assert.Empty(t, reply.MappingDelta)
	assert.Contains(t, reply.Final, "4532-1234-5678-9012")
}

func TestSendReportsUnmaskMisses(t *testing.T) {
	provider := &scriptedProvider{reply: "Please check <EMAIL_99> and <EMAIL_1>."}
	m := newTestManager(t, provider, nil)
	s := m.Create()

	reply, err := s.Send(context.Background(), "my address is real@example.com, please verify")
	require.NoError(t, err)

	assert.Equal(t, []string{"<EMAIL_99>"}, reply.UnmaskMisses)
	assert.Contains(t, reply.Final, "real@example.com")
	assert.Contains(t, reply.Final, "<EMAIL_99>")
}

func TestSessionResetClearsMappingAndHistory(t *testing.T) {
	provider := &scriptedProvider{reply: "Ack."}
	m := newTestManager(t, provider, nil)
	s := m.Create()

	_, err := s.Send(context.Background(), "email old@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, s.MappingSize())

	s.Reset()
	assert.Zero(t, s.MappingSize())
	assert.Empty(t, s.Transcript())
	assert.Empty(t, s.Mapping())

	// Numbering restarts from 1 for a different value.
	reply, err := s.Send(context.Background(), "email new@example.com")
	require.NoError(t, err)
	assert.Contains(t, reply.MaskedInput, "<EMAIL_1>")
	assert.Equal(t, "new@example.com", s.Mapping()["<EMAIL_1>"])

	// History was dropped too: the provider sees only the new turn.
	req := provider.lastRequest()
	require.Len(t, req.Messages, 2)
}

func TestReplyCacheServesRepeatTurn(t *testing.T) {
	provider := &scriptedProvider{reply: "Cached answer about <EMAIL_1>."}
	cache := newMapCache()
	m := newTestManager(t, provider, cache)

	first := m.Create()
	r1, err := first.Send(context.Background(), "help with bob@example.com")
	require.NoError(t, err)
	assert.False(t, r1.Cached)
	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, 1, cache.sets)

	// A fresh session masking the same input produces the same masked
	// conversation, so the reply comes from cache without a provider call.
	second := m.Create()
	r2, err := second.Send(context.Background(), "help with bob@example.com")
	require.NoError(t, err)
	assert.True(t, r2.Cached)
	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, 1, cache.hits)
	assert.Contains(t, r2.Final, "bob@example.com")
}

func TestReplyCacheKeyIsBoundaryStable(t *testing.T) {
	a := replyCacheKey("m", []llm.Message{{Role: "user", Content: "ab"}})
	b := replyCacheKey("m", []llm.Message{{Role: "user", Content: "a"}, {Role: "user", Content: "b"}})
	c := replyCacheKey("m", []llm.Message{{Role: "user", Content: "ab"}})

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
	assert.NotEqual(t, a, replyCacheKey("other", []llm.Message{{Role: "user", Content: "ab"}}))
}

func TestManagerGetOrCreate(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)

	created := m.GetOrCreate("")
	require.NotNil(t, created)
	assert.NotEmpty(t, created.ID())

	same := m.GetOrCreate(created.ID())
	assert.Same(t, created, same)

	pinned := m.GetOrCreate("support-42")
	assert.Equal(t, "support-42", pinned.ID())
	assert.Equal(t, 2, m.Count())

	got, err := m.Get("support-42")
	require.NoError(t, err)
	assert.Same(t, pinned, got)
}

func TestManagerGetUnknown(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)
	s := m.Create()

	require.NoError(t, m.Delete(s.ID()))
	assert.Zero(t, m.Count())

	_, err := m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Delete(s.ID()), ErrSessionNotFound)
}

func TestManagerExpiresIdleSessions(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)

	var expired []string
	m.SetExpireHook(func(s *Session) {
		expired = append(expired, s.ID())
	})

	fresh := m.Create()
	stale := m.Create()
	stale.mu.Lock()
	stale.lastActive = time.Now().UTC().Add(-time.Hour)
	stale.mu.Unlock()

	m.expireIdle()

	assert.Equal(t, []string{stale.ID()}, expired)
	assert.Equal(t, 1, m.Count())
	_, err := m.Get(fresh.ID())
	assert.NoError(t, err)
	_, err = m.Get(stale.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionsAreIsolated(t *testing.T) {
	m := newTestManager(t, llm.NewSimulatedProvider(), nil)
	a := m.Create()
	b := m.Create()

	ra, err := a.Send(context.Background(), "account issue for alice@example.com")
	require.NoError(t, err)
	rb, err := b.Send(context.Background(), "account issue for bob@example.com")
	require.NoError(t, err)

	// Both sessions hand out <EMAIL_1>, each bound to its own value.
	assert.Contains(t, ra.MaskedInput, "<EMAIL_1>")
	assert.Contains(t, rb.MaskedInput, "<EMAIL_1>")
	assert.Equal(t, "alice@example.com", a.Mapping()["<EMAIL_1>"])
	assert.Equal(t, "bob@example.com", b.Mapping()["<EMAIL_1>"])
}
