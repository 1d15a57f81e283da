package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/audit"
	"github.com/cloaklabs/cloak/internal/cache"
	"github.com/cloaklabs/cloak/internal/chat"
	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/metrics"
	"github.com/cloaklabs/cloak/internal/pii"
	"github.com/cloaklabs/cloak/internal/web"
	"github.com/cloaklabs/cloak/internal/websocket"
)

// Deps carries the service components the server exposes over HTTP. Cache
// and Audit are nil when disabled by configuration.
type Deps struct {
	Sessions *chat.Manager
	Registry *pii.Registry
	Hub      *websocket.Hub
	Metrics  *metrics.Metrics
	Cache    *cache.ReplyCache
	Audit    *audit.Store
}

// Server is the HTTP face of the masking pipeline.
type Server struct {
	cfg      *config.Config
	logger   *logger.Logger
	sessions *chat.Manager
	registry *pii.Registry
	hub      *websocket.Hub
	metrics  *metrics.Metrics
	cache    *cache.ReplyCache
	audit    *audit.Store

	limiter   *ipRateLimiter
	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

// New creates a server around the given components.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    log.WithComponent("server"),
		sessions:  deps.Sessions,
		registry:  deps.Registry,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		cache:     deps.Cache,
		audit:     deps.Audit,
		limiter:   newIPRateLimiter(cfg.Server.RateLimit.Enabled, cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Operational surface
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/", web.ServeDashboard).Methods("GET")
	s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods("GET")

	if s.cfg.WebSocket.Enabled {
		s.router.HandleFunc(s.cfg.WebSocket.Path, s.handleWebSocket).Methods("GET")
	}

	// Pipeline API
	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/chat", s.handleChat).Methods("POST")
	api.HandleFunc("/mask", s.handleMask).Methods("POST")
	api.HandleFunc("/unmask", s.handleUnmask).Methods("POST")
	api.HandleFunc("/patterns", s.handlePatterns).Methods("GET")
	api.HandleFunc("/sessions/{id}/mapping", s.handleSessionMapping).Methods("GET")
	api.HandleFunc("/sessions/{id}/reset", s.handleSessionReset).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleSessionDelete).Methods("DELETE")
}

// Start starts the HTTP server and the rate limiter janitor. It blocks until
// the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.startCleanup(ctx)

	s.logger.Info("Starting cloak server",
		zap.String("addr", s.server.Addr),
		zap.Bool("privacy_enabled", s.cfg.Privacy.Enabled),
		zap.String("llm_provider", s.cfg.LLM.Provider),
		zap.Bool("cache_enabled", s.cache != nil),
		zap.Bool("audit_enabled", s.audit != nil),
	)

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping cloak server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleWebSocket hands the connection to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}
