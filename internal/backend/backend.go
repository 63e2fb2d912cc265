// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package backend makes the one process-wide choice of credential store.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/credstore/memory"
	"github.com/keypass/keypass/internal/credstore/postgres"
	"github.com/keypass/keypass/internal/identity"
	"github.com/keypass/keypass/internal/store"
	"github.com/keypass/keypass/pkg/errutil"
)

// maxConnectBackoff caps the delay between connection attempts.
const maxConnectBackoff = 10 * time.Second

// Connector opens a PostgreSQL pool.
type Connector func(ctx context.Context, dsn string, opts store.PoolOptions) (postgres.Pool, error)

func defaultConnector(ctx context.Context, dsn string, opts store.PoolOptions) (postgres.Pool, error) {
	return store.Connect(ctx, dsn, opts)
}

// Backend is an opened credential store together with its user repository.
type Backend struct {
	Store credstore.Store
	Users identity.Repository
	Kind  string

	clock credstore.Clock
}

// Close releases the store.
func (b *Backend) Close() {
	if b != nil && b.Store != nil {
		b.Store.Close()
	}
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	clock     credstore.Clock
	connector Connector
}

// WithClock sets the store clock.
func WithClock(clock credstore.Clock) Option {
	return func(o *openOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithConnector replaces the PostgreSQL pool constructor.
func WithConnector(c Connector) Option {
	return func(o *openOptions) {
		if c != nil {
			o.connector = c
		}
	}
}

// Open builds the backend named by cfg.Backend. PostgreSQL connections are
// retried with capped exponential backoff, but only for transient failures.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (*Backend, error) {
	o := openOptions{clock: credstore.SystemClock, connector: defaultConnector}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Backend {
	case config.BackendMemory:
		slog.WarnContext(ctx, "using in-process credential store; state is lost on exit")
		return &Backend{
			Store: memory.New(memory.WithClock(o.clock)),
			Users: memory.NewUserRepository(),
			Kind:  config.BackendMemory,
			clock: o.clock,
		}, nil
	case config.BackendPostgres:
		pool, err := connect(ctx, cfg, o.connector)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Store: postgres.New(pool,
				postgres.WithClock(o.clock),
				postgres.WithStatementTimeout(cfg.StatementTimeout),
			),
			Users: postgres.NewUserRepository(pool),
			Kind:  config.BackendPostgres,
			clock: o.clock,
		}, nil
	default:
		return nil, oops.Code("BACKEND_UNKNOWN").
			With("backend", cfg.Backend).
			Wrap(config.ErrInvalidConfig)
	}
}

func connect(ctx context.Context, cfg config.StoreConfig, connector Connector) (postgres.Pool, error) {
	base := cfg.ConnectBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	attempts := max(cfg.ConnectAttempts, 1)

	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxConnectBackoff, b)
	b = retry.WithMaxRetries(attempts-1, b)

	opts := store.PoolOptions{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns}

	var (
		pool postgres.Pool
		try  int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		try++
		p, err := connector(ctx, cfg.DatabaseURL, opts)
		if err != nil {
			if errors.Is(err, errutil.ErrStore) {
				slog.WarnContext(ctx, "database connection failed", "attempt", try, "max_attempts", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, oops.Code("BACKEND_CONNECT_FAILED").
			With("attempts", try).
			Wrap(err)
	}
	return pool, nil
}

// Purge deletes expired refresh and reset tokens once.
func (b *Backend) Purge(ctx context.Context) (credstore.PurgeResult, error) {
	clock := b.clock
	if clock == nil {
		clock = credstore.SystemClock
	}
	res, err := b.Store.PurgeExpired(ctx, clock())
	if err != nil {
		return res, oops.Code("PURGE_FAILED").With("backend", b.Kind).Wrap(err)
	}
	return res, nil
}

// RunPurge calls Purge every interval until ctx is done. Failures are logged
// and the loop keeps going.
func (b *Backend) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := b.Purge(ctx)
			if err != nil {
				errutil.LogErrorContext(ctx, nil, "purge expired tokens", err)
				continue
			}
			if res.RefreshTokens > 0 || res.ResetTokens > 0 {
				slog.InfoContext(ctx, "purged expired tokens",
					"refresh_tokens", res.RefreshTokens,
					"reset_tokens", res.ResetTokens)
			}
		}
	}
}
