// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

//go:build integration

package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/credstore/credstoretest"
	"github.com/keypass/keypass/internal/store"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("keypass_backend"),
		tcpostgres.WithUsername("keypass"),
		tcpostgres.WithPassword("keypass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := store.NewMigrator(dsn)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())
	return dsn
}

func TestScenario_Postgres(t *testing.T) {
	dsn := startPostgres(t)

	cfg := config.Defaults().Store
	cfg.DatabaseURL = dsn
	clock := credstoretest.NewClock(credstoretest.Epoch)

	b, err := backend.Open(context.Background(), cfg, backend.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	assert.Equal(t, config.BackendPostgres, b.Kind)

	assert.Equal(t, expectedScenario, runScenario(t, b, clock))
}
