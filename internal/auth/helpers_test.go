// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/audit/audittest"
	"github.com/keypass/keypass/internal/auth"
	"github.com/keypass/keypass/internal/credstore/credstoretest"
	"github.com/keypass/keypass/internal/credstore/memory"
	"github.com/keypass/keypass/internal/identity"
)

const testIssuer = "keypass-test"

var (
	accessSecret  = []byte(strings.Repeat("a", 32))
	refreshSecret = []byte(strings.Repeat("r", 32))
)

func cheapHasher() *auth.Argon2idHasher {
	return auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1})
}

func testConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Issuer:        testIssuer,
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	}
}

// fixture wires the auth services over the in-process backend.
type fixture struct {
	clock    *credstoretest.Clock
	store    *memory.Store
	users    *memory.UserRepository
	recorder *audittest.Recorder
	tokens   *auth.TokenService
	resets   *auth.PasswordResetService
	hasher   *auth.Argon2idHasher
}

func newFixture(t *testing.T, opts ...auth.Option) *fixture {
	t.Helper()

	f := &fixture{
		clock:    credstoretest.NewClock(time.Now()),
		users:    memory.NewUserRepository(),
		recorder: &audittest.Recorder{},
		hasher:   cheapHasher(),
	}
	f.store = memory.New(memory.WithClock(f.clock.Now))

	opts = append([]auth.Option{
		auth.WithClock(f.clock.Now),
		auth.WithAuditRecorder(f.recorder),
	}, opts...)

	var err error
	f.tokens, err = auth.NewTokenService(testConfig(), f.store, f.users, opts...)
	require.NoError(t, err)
	f.resets = auth.NewPasswordResetService(f.store, f.users, f.hasher, opts...)
	return f
}

func (f *fixture) createUser(t *testing.T, email, password string) *identity.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	user, err := identity.NewUser(email, identity.RoleMember, ulid.Make(), hash)
	require.NoError(t, err)
	require.NoError(t, f.users.Create(context.Background(), user))
	return user
}
