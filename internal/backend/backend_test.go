// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/credstore/credstoretest"
	"github.com/keypass/keypass/internal/credstore/postgres"
	"github.com/keypass/keypass/internal/store"
	"github.com/keypass/keypass/pkg/errutil"
)

func memoryConfig() config.StoreConfig {
	cfg := config.Defaults().Store
	cfg.Backend = config.BackendMemory
	return cfg
}

func postgresConfig() config.StoreConfig {
	cfg := config.Defaults().Store
	cfg.DatabaseURL = "postgres://keypass@localhost/keypass"
	cfg.ConnectAttempts = 3
	cfg.ConnectBackoff = time.Millisecond
	return cfg
}

func TestOpen_Memory(t *testing.T) {
	b, err := backend.Open(context.Background(), memoryConfig())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	assert.Equal(t, config.BackendMemory, b.Kind)
	assert.NoError(t, b.Store.Ping(context.Background()))
	assert.NotNil(t, b.Users)
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = "sqlite"

	b, err := backend.Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, b)
	errutil.AssertErrorCode(t, err, "BACKEND_UNKNOWN")
	errutil.AssertErrorKind(t, err, errutil.KindValidation)
}

func TestOpen_PostgresRetriesTransientFailures(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectClose()

	calls := 0
	connector := func(_ context.Context, dsn string, opts store.PoolOptions) (postgres.Pool, error) {
		calls++
		assert.Equal(t, "postgres://keypass@localhost/keypass", dsn)
		assert.Equal(t, int32(10), opts.MaxConns)
		if calls < 3 {
			return nil, errutil.Store(errors.New("connection refused"))
		}
		return mock, nil
	}

	b, err := backend.Open(context.Background(), postgresConfig(), backend.WithConnector(connector))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, config.BackendPostgres, b.Kind)

	b.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_PostgresGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	connector := func(context.Context, string, store.PoolOptions) (postgres.Pool, error) {
		calls++
		return nil, errutil.Store(errors.New("connection refused"))
	}

	_, err := backend.Open(context.Background(), postgresConfig(), backend.WithConnector(connector))
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	errutil.AssertErrorKind(t, err, errutil.KindStore)
	errutil.AssertErrorContext(t, err, "attempts", 3)
}

func TestOpen_PostgresDoesNotRetryBadConfig(t *testing.T) {
	calls := 0
	connector := func(context.Context, string, store.PoolOptions) (postgres.Pool, error) {
		calls++
		return nil, errutil.Define(errutil.ErrValidation, "bad dsn")
	}

	_, err := backend.Open(context.Background(), postgresConfig(), backend.WithConnector(connector))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	errutil.AssertErrorKind(t, err, errutil.KindValidation)
}

func TestOpen_PostgresHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	connector := func(context.Context, string, store.PoolOptions) (postgres.Pool, error) {
		cancel()
		return nil, errutil.Store(errors.New("connection refused"))
	}

	cfg := postgresConfig()
	cfg.ConnectAttempts = 10
	cfg.ConnectBackoff = time.Minute

	_, err := backend.Open(ctx, cfg, backend.WithConnector(connector))
	require.Error(t, err)
}

func TestScenario_Memory(t *testing.T) {
	clock := credstoretest.NewClock(credstoretest.Epoch)
	b, err := backend.Open(context.Background(), memoryConfig(), backend.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(b.Close)

	assert.Equal(t, expectedScenario, runScenario(t, b, clock))
}

func TestBackend_PurgeUsesBackendClock(t *testing.T) {
	ctx := context.Background()
	clock := credstoretest.NewClock(credstoretest.Epoch)
	b, err := backend.Open(ctx, memoryConfig(), backend.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(b.Close)

	user := ulid.Make()
	require.NoError(t, b.Store.PutRefreshToken(ctx, credstore.HashToken("short"), user, clock.Now().Add(time.Minute)))
	require.NoError(t, b.Store.PutRefreshToken(ctx, credstore.HashToken("long"), user, clock.Now().Add(time.Hour)))

	res, err := b.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.RefreshTokens)

	clock.Advance(2 * time.Minute)
	res, err = b.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RefreshTokens)

	ok, err := b.Store.HasRefreshToken(ctx, credstore.HashToken("long"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBackend_RunPurgeStopsOnCancel(t *testing.T) {
	b, err := backend.Open(context.Background(), memoryConfig())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.RunPurge(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPurge did not return after cancel")
	}
}
