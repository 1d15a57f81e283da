package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/audit"
	"github.com/cloaklabs/cloak/internal/chat"
	"github.com/cloaklabs/cloak/internal/pii"
	"github.com/cloaklabs/cloak/internal/websocket"
)

const maxRequestBody = 1 << 20 // 1MB

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID   string        `json:"session_id"`
	RequestID   string        `json:"request_id"`
	Input       string        `json:"input,omitempty"`
	Reply       string        `json:"reply"`
	MaskedInput string        `json:"masked_input"`
	MaskedReply string        `json:"masked_reply"`
	Findings    []pii.Finding `json:"findings"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Cached      bool          `json:"cached"`
}

type maskRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type maskResponse struct {
	SessionID string        `json:"session_id"`
	Masked    string        `json:"masked"`
	Findings  []pii.Finding `json:"findings"`
}

type unmaskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type unmaskResponse struct {
	SessionID string `json:"session_id"`
	Unmasked  string `json:"unmasked"`
}

type mappingResponse struct {
	SessionID  string            `json:"session_id"`
	Mapping    map[string]string `json:"mapping"`
	Size       int               `json:"size"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
}

type sessionActionResponse struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	MappingsDropped int    `json:"mappings_dropped"`
}

type patternInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`
	Pattern     string `json:"pattern"`
}

// handleChat runs one full pipeline turn: mask, call the model with masked
// history, unmask the reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	requestID := getRequestID(r.Context())
	session := s.sessions.GetOrCreate(req.SessionID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	reply, err := session.Send(r.Context(), req.Message)
	if err != nil {
		s.metrics.LLMRequests.WithLabelValues(s.cfg.LLM.Provider, "error").Inc()
		s.logger.Error("Chat turn failed",
			zap.String("request_id", requestID),
			zap.String("session_id", session.ID()),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "text service unavailable")
		return
	}

	s.recordMasking(requestID, reply.SessionID, "chat", reply.Findings, reply.MappingDelta, reply.MaskDuration)

	status := "ok"
	if reply.Cached {
		status = "cached"
	}
	s.metrics.LLMRequests.WithLabelValues(reply.Provider, status).Inc()
	if s.cache != nil {
		if reply.Cached {
			s.metrics.CacheEvents.WithLabelValues("hit").Inc()
		} else {
			s.metrics.CacheEvents.WithLabelValues("miss").Inc()
		}
	}
	if !reply.Cached {
		s.metrics.ObserveLLM(reply.LLMDuration)
	}
	if n := len(reply.UnmaskMisses); n > 0 {
		s.metrics.UnmaskMisses.Add(float64(n))
	}

	s.hub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeLLMRequest,
		Timestamp: time.Now(),
		SessionID: reply.SessionID,
		RequestID: requestID,
		Data: websocket.LLMRequestEvent{
			RequestID:    requestID,
			SessionID:    reply.SessionID,
			Provider:     reply.Provider,
			Model:        reply.Model,
			Cached:       reply.Cached,
			DurationMS:   float64(reply.LLMDuration.Milliseconds()),
			UnmaskMisses: len(reply.UnmaskMisses),
		},
	})

	resp := chatResponse{
		SessionID:   reply.SessionID,
		RequestID:   requestID,
		Reply:       reply.Final,
		MaskedInput: reply.MaskedInput,
		MaskedReply: reply.MaskedReply,
		Findings:    reply.Findings,
		Provider:    reply.Provider,
		Model:       reply.Model,
		Cached:      reply.Cached,
	}
	if s.cfg.Server.EchoInput {
		resp.Input = reply.Input
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMask masks text against a session without calling the model.
func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	requestID := getRequestID(r.Context())
	session := s.sessions.GetOrCreate(req.SessionID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	result := session.Mask(req.Text)
	s.recordMasking(requestID, session.ID(), "mask", result.Findings, result.Delta, result.Duration)

	writeJSON(w, http.StatusOK, maskResponse{
		SessionID: session.ID(),
		Masked:    result.Masked,
		Findings:  result.Findings,
	})
}

// handleUnmask restores original values in text using an existing session's
// mapping. Unknown sessions are an error; a fresh mapping would silently
// leave every token in place.
func (s *Server) handleUnmask(w http.ResponseWriter, r *http.Request) {
	var req unmaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := s.sessions.Get(req.SessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, unmaskResponse{
		SessionID: session.ID(),
		Unmasked:  session.Unmask(req.Text),
	})
}

// handleSessionMapping returns the token mapping for operators. This is the
// one endpoint that exposes raw values, mirroring the chat "show" command.
func (s *Server) handleSessionMapping(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}

	mapping := session.Mapping()
	writeJSON(w, http.StatusOK, mappingResponse{
		SessionID:  session.ID(),
		Mapping:    mapping,
		Size:       len(mapping),
		CreatedAt:  session.CreatedAt(),
		LastActive: session.LastActive(),
	})
}

// handleSessionReset clears a session's mapping and history but keeps the
// session alive.
func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}

	dropped := session.MappingSize()
	session.Reset()

	s.broadcastSessionEvent(session.ID(), "reset", dropped)
	writeJSON(w, http.StatusOK, sessionActionResponse{
		SessionID:       session.ID(),
		Status:          "reset",
		MappingsDropped: dropped,
	})
}

// handleSessionDelete removes a session and its mapping entirely.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.sessions.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	dropped := session.MappingSize()
	if err := s.sessions.Delete(id); err != nil {
		writeSessionError(w, err)
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	s.broadcastSessionEvent(id, "deleted", dropped)
	writeJSON(w, http.StatusOK, sessionActionResponse{
		SessionID:       id,
		Status:          "deleted",
		MappingsDropped: dropped,
	})
}

// handlePatterns lists the active detection rules.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	rules := s.registry.Rules()
	infos := make([]patternInfo, 0, len(rules))
	for _, rule := range rules {
		infos = append(infos, patternInfo{
			Name:        rule.Name,
			Category:    string(rule.Category),
			Priority:    rule.Priority,
			Description: rule.Description,
			Pattern:     rule.Pattern.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": infos,
		"count":    len(infos),
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Sessions   int               `json:"sessions"`
	Privacy    bool              `json:"privacy_enabled"`
	Provider   string            `json:"provider"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"cache":     "disabled",
		"audit":     "disabled",
		"websocket": "disabled",
	}
	status := "healthy"

	if s.cache != nil {
		if err := s.cache.Ping(r.Context()); err != nil {
			components["cache"] = "error: " + err.Error()
			status = "degraded"
		} else {
			components["cache"] = "ok"
		}
	}
	if s.audit != nil {
		if err := s.audit.Ping(r.Context()); err != nil {
			components["audit"] = "error: " + err.Error()
			status = "degraded"
		} else {
			components["audit"] = "ok"
		}
	}
	if s.cfg.WebSocket.Enabled {
		components["websocket"] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:     status,
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Sessions:   s.sessions.Count(),
		Privacy:    s.cfg.Privacy.Enabled,
		Provider:   s.cfg.LLM.Provider,
		Components: components,
	})
}

// recordMasking fans one mask pass out to metrics, audit, and the event
// stream.
func (s *Server) recordMasking(requestID, sessionID, source string, findings []pii.Finding, delta map[string]string, maskDur time.Duration) {
	s.metrics.ObserveMask(maskDur)

	if len(findings) == 0 {
		return
	}

	total := 0
	for _, f := range findings {
		s.metrics.Detections.WithLabelValues(string(f.Category)).Add(float64(f.Count))
		total += f.Count
	}
	for token := range delta {
		s.metrics.MaskedValues.WithLabelValues(tokenCategory(token)).Inc()
	}

	if s.audit != nil {
		s.audit.Record(audit.FindingsToEvents(sessionID, requestID, source, time.Now(), findings)...)
	}

	s.hub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypePIIDetection,
		Timestamp: time.Now(),
		SessionID: sessionID,
		RequestID: requestID,
		Data: websocket.PIIDetectionEvent{
			RequestID:     requestID,
			SessionID:     sessionID,
			Source:        source,
			Findings:      findings,
			TotalFindings: total,
			ProcessingMS:  float64(maskDur.Microseconds()) / 1000,
		},
	})
}

func (s *Server) broadcastSessionEvent(sessionID, action string, dropped int) {
	s.hub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeSessionReset,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data: websocket.SessionResetEvent{
			SessionID:       sessionID,
			Action:          action,
			MappingsDropped: dropped,
		},
	})
}

// tokenCategory extracts the category from a token like <EMAIL_1>.
func tokenCategory(token string) string {
	trimmed := strings.Trim(token, "<>")
	if idx := strings.LastIndex(trimmed, "_"); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
