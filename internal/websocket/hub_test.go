package websocket

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/pii"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := config.GetDefaults().WebSocket
	return NewHub(cfg, logger.NewNop())
}

func TestShouldBroadcastRespectsEventConfig(t *testing.T) {
	cfg := config.GetDefaults().WebSocket
	cfg.Events.BroadcastLLM = false
	h := NewHub(cfg, logger.NewNop())

	assert.True(t, h.shouldBroadcastEvent(EventTypePIIDetection))
	assert.True(t, h.shouldBroadcastEvent(EventTypeSessionReset))
	assert.True(t, h.shouldBroadcastEvent(EventTypeConnection))
	assert.False(t, h.shouldBroadcastEvent(EventTypeLLMRequest))
	assert.False(t, h.shouldBroadcastEvent("unknown"))
}

func TestShouldBroadcastDisabledHub(t *testing.T) {
	cfg := config.GetDefaults().WebSocket
	cfg.Enabled = false
	h := NewHub(cfg, logger.NewNop())

	assert.False(t, h.shouldBroadcastEvent(EventTypePIIDetection))
}

func TestSubscriptionFiltering(t *testing.T) {
	h := newTestHub(t)

	detection := Event{
		Type:      EventTypePIIDetection,
		SessionID: "s1",
		Data: PIIDetectionEvent{
			SessionID: "s1",
			Findings:  []pii.Finding{{Category: pii.CategoryEmail, Count: 1}},
		},
	}

	unfiltered := &Client{}
	assert.True(t, h.shouldSendToClient(unfiltered, detection))

	wrongType := &Client{Subscription: &SubscriptionRequest{
		Events: []EventType{EventTypeConnection},
	}}
	assert.False(t, h.shouldSendToClient(wrongType, detection))

	bySession := &Client{Subscription: &SubscriptionRequest{
		Events: []EventType{EventTypePIIDetection},
		Filter: &EventFilter{SessionIDs: []string{"s2"}},
	}}
	assert.False(t, h.shouldSendToClient(bySession, detection))

	byCategory := &Client{Subscription: &SubscriptionRequest{
		Events: []EventType{EventTypePIIDetection},
		Filter: &EventFilter{Categories: []string{"EMAIL"}},
	}}
	assert.True(t, h.shouldSendToClient(byCategory, detection))

	missingCategory := &Client{Subscription: &SubscriptionRequest{
		Events: []EventType{EventTypePIIDetection},
		Filter: &EventFilter{Categories: []string{"SSN"}},
	}}
	assert.False(t, h.shouldSendToClient(missingCategory, detection))
}

func TestCheckOrigin(t *testing.T) {
	cfg := config.GetDefaults().WebSocket
	cfg.AllowedOrigins = []string{"https://ops.example.com"}
	h := NewHub(cfg, logger.NewNop())

	req := func(origin string) *http.Request {
		r, err := http.NewRequest(http.MethodGet, "/ws", nil)
		require.NoError(t, err)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("https://ops.example.com")))
	assert.False(t, h.checkOrigin(req("https://evil.example.com")))

	cfg.AllowedOrigins = []string{"*"}
	open := NewHub(cfg, logger.NewNop())
	assert.True(t, open.checkOrigin(req("https://anywhere.example.com")))
}
