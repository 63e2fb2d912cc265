// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package backend_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/auth"
	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/credstore/credstoretest"
	"github.com/keypass/keypass/internal/identity"
	"github.com/keypass/keypass/internal/keypass"
	"github.com/keypass/keypass/pkg/errutil"
)

// expectedScenario is the service-level transcript every backend must produce.
var expectedScenario = []string{
	"issue: ok",
	"rotate: ok",
	"rotate replayed token: auth",
	"claim FRA-AAAAAA by ada: ok",
	"claim FRA-AAAAAA by bob: conflict",
	"claim FRA-ZZZZZZ: not_found",
	"revoke FRA-BBBBBB: ok",
	"claim FRA-BBBBBB: conflict",
	"claim FRA-CCCCCC at expiry: ok",
	"claim FRA-DDDDDD after expiry: expired",
	"revoke all for ada: ok",
	"rotate revoked token: auth",
	"reset request: ok",
	"reset consume: ok",
	"reset consume again: auth",
	"rotate after reset: auth",
	"reset expired token: auth",
	"issue after reset: ok",
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errutil.KindOf(err))
}

// runScenario drives the token, access code and reset services through one
// fixed sequence and records the observable outcome of each step.
func runScenario(t *testing.T, b *backend.Backend, clock *credstoretest.Clock) []string {
	t.Helper()
	ctx := context.Background()

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Issuer:        "keypass-scenario",
		AccessSecret:  []byte(strings.Repeat("a", 32)),
		RefreshSecret: []byte(strings.Repeat("r", 32)),
	}, b.Store, b.Users, auth.WithClock(clock.Now))
	require.NoError(t, err)
	resets := auth.NewPasswordResetService(b.Store, b.Users,
		auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1}),
		auth.WithClock(clock.Now))
	codes := keypass.NewService(b.Store, keypass.WithClock(clock.Now))

	org := ulid.Make()
	newUser := func(email string) *identity.User {
		u, err := identity.NewUser(email, identity.RoleMember, org, "$argon2id$initial")
		require.NoError(t, err)
		require.NoError(t, b.Users.Create(ctx, u))
		return u
	}
	ada := newUser("ada@example.com")
	bob := newUser("bob@example.com")

	now := clock.Now()
	var seed []*credstore.AccessCode
	for _, c := range []string{"FRA-AAAAAA", "FRA-BBBBBB", "FRA-CCCCCC", "FRA-DDDDDD"} {
		seed = append(seed, &credstore.AccessCode{
			Code: c, OrgID: org, Status: credstore.CodeAvailable,
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	}
	require.NoError(t, b.Store.CreateAccessCodes(ctx, seed))

	var out []string
	step := func(name string, err error) {
		out = append(out, fmt.Sprintf("%s: %s", name, outcome(err)))
	}

	first, err := tokens.IssueTokens(ctx, ada)
	step("issue", err)
	require.NoError(t, err)

	second, err := tokens.RotateRefreshToken(ctx, first.RefreshToken)
	step("rotate", err)
	require.NoError(t, err)
	_, err = tokens.RotateRefreshToken(ctx, first.RefreshToken)
	step("rotate replayed token", err)

	_, err = codes.Claim(ctx, "FRA-AAAAAA", ada.ID)
	step("claim FRA-AAAAAA by ada", err)
	_, err = codes.Claim(ctx, "FRA-AAAAAA", bob.ID)
	step("claim FRA-AAAAAA by bob", err)
	_, err = codes.Claim(ctx, "FRA-ZZZZZZ", bob.ID)
	step("claim FRA-ZZZZZZ", err)
	_, err = codes.Revoke(ctx, "FRA-BBBBBB")
	step("revoke FRA-BBBBBB", err)
	_, err = codes.Claim(ctx, "FRA-BBBBBB", bob.ID)
	step("claim FRA-BBBBBB", err)

	clock.Advance(time.Hour)
	_, err = codes.Claim(ctx, "FRA-CCCCCC", bob.ID)
	step("claim FRA-CCCCCC at expiry", err)
	clock.Advance(time.Millisecond)
	_, err = codes.Claim(ctx, "FRA-DDDDDD", bob.ID)
	step("claim FRA-DDDDDD after expiry", err)

	step("revoke all for ada", tokens.RevokeAllForUser(ctx, ada.ID))
	_, err = tokens.RotateRefreshToken(ctx, second.RefreshToken)
	step("rotate revoked token", err)

	third, err := tokens.IssueTokens(ctx, ada)
	require.NoError(t, err)

	token, err := resets.RequestReset(ctx, ada.ID)
	step("reset request", err)
	require.NoError(t, err)
	step("reset consume", resets.ConsumeReset(ctx, token, "$argon2id$reset"))
	step("reset consume again", resets.ConsumeReset(ctx, token, "$argon2id$again"))
	_, err = tokens.RotateRefreshToken(ctx, third.RefreshToken)
	step("rotate after reset", err)

	stale, err := resets.RequestReset(ctx, ada.ID)
	require.NoError(t, err)
	clock.Advance(auth.ResetTokenExpiry + time.Millisecond)
	step("reset expired token", resets.ConsumeReset(ctx, stale, "$argon2id$late"))

	_, err = tokens.IssueTokens(ctx, ada)
	step("issue after reset", err)

	return out
}
