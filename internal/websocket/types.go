package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloaklabs/cloak/internal/pii"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypePIIDetection is emitted when masking finds PII in a request
	EventTypePIIDetection EventType = "pii_detection"
	// EventTypeLLMRequest is emitted after each upstream model call
	EventTypeLLMRequest EventType = "llm_request"
	// EventTypeSessionReset is emitted when a session is reset, deleted or expired
	EventTypeSessionReset EventType = "session_reset"
	// EventTypeConnection is emitted on dashboard client connect/disconnect
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients. Event payloads carry
// tokens, categories and counts only; raw PII values never enter the stream.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	SessionID string      `json:"session_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// PIIDetectionEvent describes what masking found in one piece of text.
type PIIDetectionEvent struct {
	RequestID     string        `json:"request_id,omitempty"`
	SessionID     string        `json:"session_id"`
	Source        string        `json:"source"` // "chat", "mask", "anonymize"
	Findings      []pii.Finding `json:"findings"`
	TotalFindings int           `json:"total_findings"`
	ProcessingMS  float64       `json:"processing_ms"`
}

// LLMRequestEvent describes one upstream model call made on behalf of a
// session.
type LLMRequestEvent struct {
	RequestID    string  `json:"request_id,omitempty"`
	SessionID    string  `json:"session_id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Cached       bool    `json:"cached"`
	DurationMS   float64 `json:"duration_ms"`
	UnmaskMisses int     `json:"unmask_misses"`
}

// SessionResetEvent describes a session lifecycle change.
type SessionResetEvent struct {
	SessionID       string `json:"session_id"`
	Action          string `json:"action"` // "reset", "deleted", "expired"
	MappingsDropped int    `json:"mappings_dropped"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest narrows which events a client receives.
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter represents filtering options for events
type EventFilter struct {
	SessionIDs []string `json:"session_ids,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}
