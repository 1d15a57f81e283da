package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	session_id TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	category TEXT NOT NULL,
	matches INTEGER NOT NULL,
	distinct_tokens INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events (category);`

// Store buffers audit events in memory and writes them to PostgreSQL in
// batches, so the request path never waits on the database.
type Store struct {
	db     *sqlx.DB
	cfg    config.AuditConfig
	logger *logger.Logger

	mu      sync.Mutex
	pending []Event

	flushCh chan struct{}
}

// NewStore connects to PostgreSQL and ensures the audit schema exists.
func NewStore(cfg config.AuditConfig, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{
		db:      db,
		cfg:     cfg,
		logger:  log.WithComponent("audit"),
		flushCh: make(chan struct{}, 1),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}

	store.logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval))

	return store, nil
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// Record queues events for the next batch write. When the buffer reaches the
// configured batch size a flush is signalled; Record itself never blocks on
// the database.
func (s *Store) Record(events ...Event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, events...)
	full := s.cfg.BatchSize > 0 && len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Start runs the background flusher until ctx is cancelled. A final flush
// drains whatever is still buffered.
func (s *Store) Start(ctx context.Context) {
	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.Flush(flushCtx); err != nil {
					s.logger.Error("Final audit flush failed", zap.Error(err))
				}
				cancel()
				return
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.Error("Audit flush failed", zap.Error(err))
				}
			case <-s.flushCh:
				if err := s.Flush(ctx); err != nil {
					s.logger.Error("Audit flush failed", zap.Error(err))
				}
			}
		}
	}()
}

// Flush writes all buffered events in one multi-row insert. On failure the
// batch is requeued so a transient database outage loses nothing.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	query := buildInsertQuery(len(batch))
	args := make([]interface{}, 0, len(batch)*7)
	for _, e := range batch {
		args = append(args,
			e.OccurredAt,
			e.SessionID,
			e.RequestID,
			e.Source,
			e.Category,
			e.Matches,
			e.DistinctTokens,
		)
	}

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return fmt.Errorf("audit batch insert failed: %w", err)
	}

	s.logger.Debug("Audit batch written",
		zap.Int("events", len(batch)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// buildInsertQuery produces a multi-row insert with numbered placeholders,
// seven per event.
func buildInsertQuery(n int) string {
	valueStrings := make([]string, 0, n)
	for i := 0; i < n; i++ {
		base := i * 7
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
	}
	return `INSERT INTO audit_events (occurred_at, session_id, request_id, source, category, matches, distinct_tokens) VALUES ` +
		strings.Join(valueStrings, ",")
}

// CountsByCategory returns the total match count per category since the
// given time.
func (s *Store) CountsByCategory(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COALESCE(SUM(matches), 0)
		 FROM audit_events
		 WHERE occurred_at >= $1
		 GROUP BY category
		 ORDER BY category`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query category counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var category string
		var total int64
		if err := rows.Scan(&category, &total); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		counts[category] = total
	}
	return counts, rows.Err()
}

// RecentEvents returns the newest audit rows, most recent first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	var events []Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, occurred_at, session_id, request_id, source, category, matches, distinct_tokens
		 FROM audit_events
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return events, nil
}

// Ping verifies the database connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes remaining events and closes the database connection.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Error("Flush on close failed", zap.Error(err))
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password portion of a database URL for logging.
func maskDatabaseURL(url string) string {
	if !strings.Contains(url, "@") {
		return url
	}
	parts := strings.Split(url, "@")
	if len(parts) < 2 {
		return url
	}
	userPart := parts[0]
	if strings.Contains(userPart, ":") {
		userParts := strings.Split(userPart, ":")
		if len(userParts) >= 3 {
			userParts[len(userParts)-1] = "***"
			parts[0] = strings.Join(userParts, ":")
		}
	}
	return strings.Join(parts, "@")
}
