package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/audit"
	"github.com/cloaklabs/cloak/internal/cache"
	"github.com/cloaklabs/cloak/internal/chat"
	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/llm"
	"github.com/cloaklabs/cloak/internal/metrics"
	"github.com/cloaklabs/cloak/internal/pii"
	"github.com/cloaklabs/cloak/internal/server"
	"github.com/cloaklabs/cloak/internal/websocket"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the masking service",
	Long: `Serve starts the HTTP API, the live dashboard, and the WebSocket
event stream. Every chat request is masked before it reaches the configured
model provider and unmasked on the way back.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides configuration)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting cloak",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_date", BuildDate),
		zap.Int("port", cfg.Server.Port))

	registry, err := pii.NewRegistry(cfg.Privacy)
	if err != nil {
		return fmt.Errorf("failed to build detection rules: %w", err)
	}
	if err := config.Watch(cfg, func(updated *config.Config) {
		if err := registry.Reload(updated.Privacy); err != nil {
			log.Error("Failed to apply updated detection rules", zap.Error(err))
			return
		}
		log.Info("Detection rules reloaded", zap.Int("rules", len(registry.Rules())))
	}); err != nil {
		log.Warn("Config watch unavailable", zap.Error(err))
	}

	engine := pii.NewEngine(pii.NewDetector(registry, log), cfg.Privacy, log)
	provider := llm.New(cfg.LLM, log)

	// The cache only saves a model round trip, so a dead Redis downgrades
	// the service instead of stopping it.
	var replyCache *cache.ReplyCache
	if cfg.Cache.Enabled {
		replyCache, err = cache.NewReplyCache(cfg.Cache, log)
		if err != nil {
			log.Warn("Reply cache unavailable, continuing without it", zap.Error(err))
			replyCache = nil
		} else {
			defer replyCache.Close()
		}
	}

	// Audit is a compliance record; when enabled it must actually work.
	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.NewStore(cfg.Audit, log)
		if err != nil {
			return fmt.Errorf("failed to initialize audit store: %w", err)
		}
		defer auditStore.Close()
		auditStore.Start(ctx)
	}

	var sessionCache chat.Cache
	if replyCache != nil {
		sessionCache = replyCache
	}
	manager := chat.NewManager(engine, provider, sessionCache, cfg.Sessions, cfg.LLM, log)
	manager.StartJanitor(ctx)

	hub := websocket.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	m := metrics.New("cloak")
	manager.SetExpireHook(func(s *chat.Session) {
		m.ActiveSessions.Set(float64(manager.Count()))
		hub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeSessionReset,
			Timestamp: time.Now(),
			SessionID: s.ID(),
			Data: websocket.SessionResetEvent{
				SessionID:       s.ID(),
				Action:          "expired",
				MappingsDropped: s.MappingSize(),
			},
		})
	})

	srv := server.New(cfg, server.Deps{
		Sessions: manager,
		Registry: registry,
		Hub:      hub,
		Metrics:  m,
		Cache:    replyCache,
		Audit:    auditStore,
	}, log)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start(ctx)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown gracefully: %w", err)
		}
		log.Info("Server shutdown complete")
	}
	return nil
}
