// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/credstore"
)

func TestPurge_RemovesExpiredTokens(t *testing.T) {
	ctx := context.Background()
	deps, shared := memoryDeps(t)

	user := ulid.Make()
	require.NoError(t, shared.Store.PutRefreshToken(ctx, credstore.HashToken("stale"), user, time.Now().Add(-time.Minute)))
	require.NoError(t, shared.Store.PutRefreshToken(ctx, credstore.HashToken("live"), user, time.Now().Add(time.Hour)))

	out, err := execute(ctx, deps, "--backend", "memory", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 1 refresh tokens, 0 reset tokens")

	ok, err := shared.Store.HasRefreshToken(ctx, credstore.HashToken("live"))
	require.NoError(t, err)
	assert.True(t, ok)
}
