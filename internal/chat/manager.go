package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/llm"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/pii"
)

// ErrSessionNotFound is returned when a session ID is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Manager owns every live chat session. Sessions expire after the configured
// idle TTL; expiry drops the session and with it the token mapping, so PII
// never outlives the conversation it came from.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onExpire func(*Session)

	engine   *pii.Engine
	provider llm.Provider
	cache    Cache
	cfg      config.SessionsConfig
	llmCfg   config.LLMConfig
	log      *logger.Logger
}

// NewManager creates a session manager. cache may be nil to disable reply
// caching.
func NewManager(engine *pii.Engine, provider llm.Provider, cache Cache, cfg config.SessionsConfig, llmCfg config.LLMConfig, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		engine:   engine,
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		llmCfg:   llmCfg,
		log:      log.WithComponent("chat"),
	}
}

// SetExpireHook registers a callback invoked after a session is expired by
// the janitor. The session has already been removed when the hook runs.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create starts a session with a generated ID.
func (m *Manager) Create() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(uuid.NewString())
}

// GetOrCreate returns the session with the given ID, creating it when the ID
// is empty or unknown. Client-chosen IDs are honored so stateless clients can
// pin a session without a separate create call.
func (m *Manager) GetOrCreate(id string) *Session {
	if id == "" {
		return m.Create()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	return m.createLocked(id)
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete removes a session and its mapping.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartJanitor expires idle sessions on the configured interval until ctx is
// cancelled.
func (m *Manager) StartJanitor(ctx context.Context) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) createLocked(id string) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:           id,
		createdAt:    now,
		lastActive:   now,
		pii:          pii.NewSession(id, m.engine),
		provider:     m.provider,
		cache:        m.cache,
		historyLimit: m.cfg.HistoryLimit,
		llmCfg:       m.llmCfg,
		log:          m.log.WithSessionID(id),
	}
	m.sessions[id] = s
	return s
}

func (m *Manager) expireIdle() {
	if m.cfg.TTL <= 0 {
		return
	}

	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActive()) < m.cfg.TTL {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, s)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, s := range expired {
		m.log.Info("Session expired",
			zap.String("session_id", s.ID()),
			zap.Int("mappings_dropped", s.MappingSize()))
		if hook != nil {
			hook(s)
		}
	}
}
