// Package audit persists channel lifecycle events to Postgres for operator
// review. It is strictly write-mostly: the broker never queries it back to
// decide behavior.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"

	"camflow-broker/internal/broker"
)

const defaultOperationTimeout = 5 * time.Second

// Store appends ChannelEvent rows to a Postgres table. It implements
// broker.EventPublisher with a best-effort, non-blocking append: failures are
// logged and swallowed, never surfaced to the broker's callers.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout bounds how long a single append waits for Postgres.
func WithTimeout(timeout time.Duration) Option {
	return func(o *storeOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithLogger sets the logger used for failed appends.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open connects to Postgres using dsn and returns a ready Store.
func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("audit: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open pool: %w", err)
	}

	options := storeOptions{timeout: defaultOperationTimeout, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &Store{pool: pool, logger: options.logger, timeout: options.timeout}, nil
}

// Close releases the connection pool.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Migrate creates the audit table if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS channel_lifecycle_events (
	id BIGSERIAL PRIMARY KEY,
	channel_key TEXT NOT NULL,
	channel_key_hash BYTEA NOT NULL,
	event_type TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
CREATE INDEX IF NOT EXISTS channel_lifecycle_events_key_hash_idx
	ON channel_lifecycle_events (channel_key_hash)`)
	if err != nil {
		return fmt.Errorf("audit: migrate index: %w", err)
	}
	return nil
}

// PublishChannelEvent implements broker.EventPublisher. It appends the event
// in a detached goroutine bounded by the configured timeout, so a slow or
// unreachable Postgres instance never blocks the caller.
func (s *Store) PublishChannelEvent(event broker.ChannelEvent) {
	if s == nil || s.pool == nil {
		return
	}
	go s.append(event)
}

func (s *Store) append(event broker.ChannelEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	hash, err := dedupHash(event.ChannelKey)
	if err != nil {
		s.logger.Warn("audit hash failed", "channel_key", event.ChannelKey, "err", err)
		return
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO channel_lifecycle_events (channel_key, channel_key_hash, event_type, status, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		string(event.ChannelKey), hash, string(event.Type), event.Status, event.Detail, event.OccurredAt.UTC())
	if err != nil {
		s.logger.Warn("audit append failed", "channel_key", event.ChannelKey, "event_type", event.Type, "err", err)
	}
}

// dedupHash computes a compact fixed-width fingerprint of a channel key for
// use as an index column, independent of how long the key's host/port
// segments happen to be.
func dedupHash(key broker.ChannelKey) ([]byte, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(key))
	return h.Sum(nil), nil
}
