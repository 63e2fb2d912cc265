// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package credstoretest holds the behaviour every credstore.Store backend
// must share. Each backend runs Run from its own tests; because every backend
// is held to the same expected results, passing suites imply equivalent
// observable behaviour.
package credstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/credstore"
)

// Epoch is the start time of every Clock handed to a Factory.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory returns an empty store that reads time from clock.
type Factory func(t *testing.T, clock credstore.Clock) credstore.Store

// Run executes the shared backend behaviour tests.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	setup := func(t *testing.T) (credstore.Store, *Clock) {
		t.Helper()
		clock := NewClock(Epoch)
		return newStore(t, clock.Now), clock
	}

	t.Run("RefreshTokens", func(t *testing.T) {
		s, clock := setup(t)
		testRefreshTokens(t, s, clock)
	})
	t.Run("RefreshConsumeIsExactlyOnce", func(t *testing.T) {
		s, clock := setup(t)
		testRefreshConsumeExactlyOnce(t, s, clock)
	})
	t.Run("AccessCodes", func(t *testing.T) {
		s, clock := setup(t)
		testAccessCodes(t, s, clock)
	})
	t.Run("AccessCodeBatchIsAllOrNothing", func(t *testing.T) {
		s, clock := setup(t)
		testAccessCodeBatch(t, s, clock)
	})
	t.Run("ClaimIsExactlyOnce", func(t *testing.T) {
		s, clock := setup(t)
		testClaimExactlyOnce(t, s, clock)
	})
	t.Run("ClaimExpiryBoundary", func(t *testing.T) {
		s, clock := setup(t)
		testClaimExpiryBoundary(t, s, clock)
	})
	t.Run("RevokeAndExpire", func(t *testing.T) {
		s, clock := setup(t)
		testRevokeAndExpire(t, s, clock)
	})
	t.Run("ResetTokenTTL", func(t *testing.T) {
		s, clock := setup(t)
		testResetTokenTTL(t, s, clock)
	})
	t.Run("ResetConsume", func(t *testing.T) {
		s, clock := setup(t)
		testResetConsume(t, s, clock)
	})
	t.Run("ResetConsumeIsExactlyOnce", func(t *testing.T) {
		s, clock := setup(t)
		testResetConsumeExactlyOnce(t, s, clock)
	})
	t.Run("ResetTokensForUser", func(t *testing.T) {
		s, clock := setup(t)
		testResetTokensForUser(t, s, clock)
	})
	t.Run("PurgeExpired", func(t *testing.T) {
		s, clock := setup(t)
		testPurgeExpired(t, s, clock)
	})
	t.Run("AuditEvents", func(t *testing.T) {
		s, clock := setup(t)
		testAuditEvents(t, s, clock)
	})
	t.Run("ScriptedTranscript", func(t *testing.T) {
		s, clock := setup(t)
		assert.Equal(t, expectedTranscript, Transcript(t, s, clock))
	})
}

func newCode(code string, orgID ulid.ULID, now time.Time, ttl time.Duration) *credstore.AccessCode {
	return &credstore.AccessCode{
		Code:      code,
		OrgID:     orgID,
		Status:    credstore.CodeAvailable,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func testRefreshTokens(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	alice, bob := ulid.Make(), ulid.Make()
	exp := clock.Now().Add(time.Hour)

	require.NoError(t, s.PutRefreshToken(ctx, "h-a1", alice, exp))
	require.NoError(t, s.PutRefreshToken(ctx, "h-a2", alice, exp))
	require.NoError(t, s.PutRefreshToken(ctx, "h-b1", bob, exp))

	ok, err := s.HasRefreshToken(ctx, "h-a1")
	require.NoError(t, err)
	assert.True(t, ok)

	owner, ok, err := s.ConsumeRefreshToken(ctx, "h-a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, owner)

	_, ok, err = s.ConsumeRefreshToken(ctx, "h-a1")
	require.NoError(t, err)
	assert.False(t, ok, "second consume must miss")

	require.NoError(t, s.DeleteRefreshToken(ctx, "missing"), "deleting an absent token is not an error")

	require.NoError(t, s.DeleteAllRefreshTokensForUser(ctx, alice))
	ok, err = s.HasRefreshToken(ctx, "h-a2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.HasRefreshToken(ctx, "h-b1")
	require.NoError(t, err)
	assert.True(t, ok, "other users' tokens survive")

	require.NoError(t, s.DeleteRefreshToken(ctx, "h-b1"))
	ok, err = s.HasRefreshToken(ctx, "h-b1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRefreshConsumeExactlyOnce(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	user := ulid.Make()
	require.NoError(t, s.PutRefreshToken(ctx, "h-race", user, clock.Now().Add(time.Hour)))

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := s.ConsumeRefreshToken(ctx, "h-race")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testAccessCodes(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	org := ulid.Make()
	now := clock.Now()

	require.NoError(t, s.CreateAccessCodes(ctx, []*credstore.AccessCode{newCode("ACME-AAAAAA", org, now, time.Hour)}))

	got, err := s.GetAccessCode(ctx, "ACME-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeAvailable, got.Status)
	assert.Equal(t, org, got.OrgID)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Nil(t, got.UsedAt)
	assert.Nil(t, got.UsedBy)

	got.Status = credstore.CodeRevoked
	again, err := s.GetAccessCode(ctx, "ACME-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeAvailable, again.Status, "returned records must not alias stored state")

	_, err = s.GetAccessCode(ctx, "ACME-NOPE00")
	require.Error(t, err)
	assert.ErrorIs(t, err, credstore.ErrNotFound)

	claimant := ulid.Make()
	ok, err := s.ClaimAccessCode(ctx, "ACME-AAAAAA", claimant, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetAccessCode(ctx, "ACME-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeUsed, got.Status)
	require.NotNil(t, got.UsedBy)
	assert.Equal(t, claimant, *got.UsedBy)
	require.NotNil(t, got.UsedAt)
	assert.True(t, got.UsedAt.Equal(now))

	ok, err = s.ClaimAccessCode(ctx, "ACME-AAAAAA", ulid.Make(), now)
	require.NoError(t, err)
	assert.False(t, ok, "used codes cannot be claimed again")

	ok, err = s.ClaimAccessCode(ctx, "ACME-NOPE00", claimant, now)
	require.NoError(t, err)
	assert.False(t, ok, "claiming an unknown code reports no transition")
}

func testAccessCodeBatch(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	org := ulid.Make()
	now := clock.Now()

	require.NoError(t, s.CreateAccessCodes(ctx, []*credstore.AccessCode{newCode("ACME-EXIST0", org, now, time.Hour)}))

	err := s.CreateAccessCodes(ctx, []*credstore.AccessCode{
		newCode("ACME-NEW001", org, now, time.Hour),
		newCode("ACME-EXIST0", org, now, time.Hour),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, credstore.ErrDuplicate)

	_, err = s.GetAccessCode(ctx, "ACME-NEW001")
	assert.ErrorIs(t, err, credstore.ErrNotFound, "a rejected batch inserts nothing")

	require.NoError(t, s.CreateAccessCodes(ctx, nil))
}

func testClaimExactlyOnce(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	now := clock.Now()
	require.NoError(t, s.CreateAccessCodes(ctx, []*credstore.AccessCode{newCode("RACE-000001", ulid.Make(), now, time.Hour)}))

	const workers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []ulid.ULID
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimant := ulid.Make()
			<-start
			ok, err := s.ClaimAccessCode(ctx, "RACE-000001", claimant, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, claimant)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := s.GetAccessCode(ctx, "RACE-000001")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeUsed, got.Status)
	require.NotNil(t, got.UsedBy)
	assert.Equal(t, winners[0], *got.UsedBy)
}

func testClaimExpiryBoundary(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	now := clock.Now()
	org := ulid.Make()
	require.NoError(t, s.CreateAccessCodes(ctx, []*credstore.AccessCode{
		newCode("EDGE-000001", org, now, time.Minute),
		newCode("EDGE-000002", org, now, time.Minute),
	}))
	expiry := now.Add(time.Minute)

	ok, err := s.ClaimAccessCode(ctx, "EDGE-000001", ulid.Make(), expiry)
	require.NoError(t, err)
	assert.True(t, ok, "claim at the exact expiry instant succeeds")

	ok, err = s.ClaimAccessCode(ctx, "EDGE-000002", ulid.Make(), expiry.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok, "claim after expiry fails")

	got, err := s.GetAccessCode(ctx, "EDGE-000002")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeAvailable, got.Status, "a failed claim leaves the record untouched")
}

func testRevokeAndExpire(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	now := clock.Now()
	org := ulid.Make()
	require.NoError(t, s.CreateAccessCodes(ctx, []*credstore.AccessCode{
		newCode("LIFE-000001", org, now, time.Hour),
		newCode("LIFE-000002", org, now, time.Hour),
	}))

	ok, err := s.RevokeAccessCode(ctx, "LIFE-000001", now)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetAccessCode(ctx, "LIFE-000001")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)
	assert.True(t, got.RevokedAt.Equal(now))

	ok, err = s.RevokeAccessCode(ctx, "LIFE-000001", now)
	require.NoError(t, err)
	assert.False(t, ok, "revoked is terminal")
	ok, err = s.ClaimAccessCode(ctx, "LIFE-000001", ulid.Make(), now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ExpireAccessCode(ctx, "LIFE-000002", now)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.GetAccessCode(ctx, "LIFE-000002")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeExpired, got.Status)

	ok, err = s.ExpireAccessCode(ctx, "LIFE-000002", now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.RevokeAccessCode(ctx, "LIFE-MISSING", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testResetTokenTTL(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	user := ulid.Make()
	start := clock.Now()

	require.NoError(t, s.PutResetToken(ctx, "r-ttl", user, time.Hour))
	require.NoError(t, s.PutResetToken(ctx, "r-exact", user, time.Hour))

	clock.Set(start.Add(time.Hour - time.Millisecond))
	got, ok, err := s.GetResetUserID(ctx, "r-ttl")
	require.NoError(t, err)
	assert.True(t, ok, "valid one millisecond before expiry")
	assert.Equal(t, user, got)

	clock.Set(start.Add(time.Hour))
	_, ok, err = s.GetResetUserID(ctx, "r-exact")
	require.NoError(t, err)
	assert.False(t, ok, "invalid at the expiry instant")

	clock.Set(start.Add(time.Hour + time.Millisecond))
	_, ok, err = s.GetResetUserID(ctx, "r-ttl")
	require.NoError(t, err)
	assert.False(t, ok, "invalid one millisecond after expiry")

	clock.Set(start)
	_, ok, err = s.GetResetUserID(ctx, "r-ttl")
	require.NoError(t, err)
	assert.False(t, ok, "an expired token is deleted when observed")

	_, ok, err = s.GetResetUserID(ctx, "r-unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DeleteResetToken(ctx, "r-unknown"))
}

func testResetConsume(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	user := ulid.Make()
	start := clock.Now()

	require.NoError(t, s.PutResetToken(ctx, "r-live", user, time.Hour))
	require.NoError(t, s.PutResetToken(ctx, "r-stale", user, time.Hour))

	got, ok, err := s.ConsumeResetToken(ctx, "r-live")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, user, got)

	_, ok, err = s.ConsumeResetToken(ctx, "r-live")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed token cannot be consumed again")

	_, ok, err = s.GetResetUserID(ctx, "r-live")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed token is no longer readable")

	clock.Set(start.Add(time.Hour))
	_, ok, err = s.ConsumeResetToken(ctx, "r-stale")
	require.NoError(t, err)
	assert.False(t, ok, "invalid at the expiry instant")

	_, ok, err = s.ConsumeResetToken(ctx, "r-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testResetConsumeExactlyOnce(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	user := ulid.Make()
	require.NoError(t, s.PutResetToken(ctx, "r-race", user, time.Hour))

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, ok, err := s.ConsumeResetToken(ctx, "r-race")
			assert.NoError(t, err)
			if ok {
				assert.Equal(t, user, got)
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testResetTokensForUser(t *testing.T, s credstore.Store, _ *Clock) {
	ctx := context.Background()
	alice, bob := ulid.Make(), ulid.Make()

	require.NoError(t, s.PutResetToken(ctx, "r-a1", alice, time.Hour))
	require.NoError(t, s.PutResetToken(ctx, "r-a2", alice, time.Hour))
	require.NoError(t, s.PutResetToken(ctx, "r-b1", bob, time.Hour))

	require.NoError(t, s.DeleteResetTokensForUser(ctx, alice))

	for _, h := range []string{"r-a1", "r-a2"} {
		_, ok, err := s.GetResetUserID(ctx, h)
		require.NoError(t, err)
		assert.False(t, ok, h)
	}
	got, ok, err := s.GetResetUserID(ctx, "r-b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, bob, got)

	require.NoError(t, s.DeleteResetToken(ctx, "r-b1"))
	_, ok, err = s.GetResetUserID(ctx, "r-b1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPurgeExpired(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	user := ulid.Make()
	now := clock.Now()

	require.NoError(t, s.PutRefreshToken(ctx, "p-old", user, now.Add(time.Minute)))
	require.NoError(t, s.PutRefreshToken(ctx, "p-new", user, now.Add(time.Hour)))
	require.NoError(t, s.PutResetToken(ctx, "p-reset", user, time.Minute))
	require.NoError(t, s.CreateAccessCodes(ctx, []*credstore.AccessCode{newCode("KEEP-000001", ulid.Make(), now, time.Minute)}))

	res, err := s.PurgeExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, credstore.PurgeResult{RefreshTokens: 1, ResetTokens: 1}, res)

	ok, err := s.HasRefreshToken(ctx, "p-new")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasRefreshToken(ctx, "p-old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetAccessCode(ctx, "KEEP-000001")
	assert.NoError(t, err, "access codes are never purged")

	require.NoError(t, s.Ping(ctx))
}

func testAuditEvents(t *testing.T, s credstore.Store, clock *Clock) {
	ctx := context.Background()
	err := s.AppendAuditEvent(ctx, &credstore.AuditEvent{
		ID:         ulid.Make(),
		Type:       "code.claimed",
		ActorID:    ulid.Make().String(),
		OrgID:      ulid.Make().String(),
		Subject:    "ACME-AAAAAA",
		Outcome:    "success",
		Fields:     map[string]any{"ip": "192.0.2.1"},
		OccurredAt: clock.Now(),
	})
	require.NoError(t, err)

	err = s.AppendAuditEvent(ctx, nil)
	require.Error(t, err)
}

// expectedTranscript is what every backend must print for Transcript.
var expectedTranscript = []string{
	"put refresh r1: ok",
	"consume r1: true",
	"consume r1: false",
	"create codes: ok",
	"create duplicate: conflict",
	"claim C1 by u1: true",
	"claim C1 by u2: false",
	"get C1: used by u1",
	"revoke C2: true",
	"claim C2 by u2: false",
	"claim C3 late: false",
	"expire C3: true",
	"get C3: expired",
	"put reset: ok",
	"get reset +59m: u1",
	"get reset +61m: absent",
	"get reset rewound: absent",
	"get missing code: not found",
	"purge: refresh=1 reset=0",
}

// Transcript drives s through a fixed script and records each observable
// result in a backend-neutral form.
func Transcript(t *testing.T, s credstore.Store, clock *Clock) []string {
	t.Helper()
	ctx := context.Background()
	start := clock.Now()
	org := ulid.Make()
	users := map[ulid.ULID]string{}
	u1, u2 := ulid.Make(), ulid.Make()
	users[u1], users[u2] = "u1", "u2"

	var out []string
	logf := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }
	result := func(err error) string {
		switch {
		case err == nil:
			return "ok"
		case errors.Is(err, credstore.ErrDuplicate):
			return "conflict"
		case errors.Is(err, credstore.ErrNotFound):
			return "not found"
		default:
			return "error: " + err.Error()
		}
	}

	logf("put refresh r1: %s", result(s.PutRefreshToken(ctx, "t-r1", u1, start.Add(time.Minute))))
	_, ok, err := s.ConsumeRefreshToken(ctx, "t-r1")
	require.NoError(t, err)
	logf("consume r1: %t", ok)
	_, ok, err = s.ConsumeRefreshToken(ctx, "t-r1")
	require.NoError(t, err)
	logf("consume r1: %t", ok)
	require.NoError(t, s.PutRefreshToken(ctx, "t-r2", u1, start.Add(time.Minute)))

	logf("create codes: %s", result(s.CreateAccessCodes(ctx, []*credstore.AccessCode{
		newCode("SCRIPT-C1", org, start, time.Hour),
		newCode("SCRIPT-C2", org, start, time.Hour),
		newCode("SCRIPT-C3", org, start, time.Minute),
	})))
	logf("create duplicate: %s", result(s.CreateAccessCodes(ctx, []*credstore.AccessCode{
		newCode("SCRIPT-C1", org, start, time.Hour),
	})))

	ok, err = s.ClaimAccessCode(ctx, "SCRIPT-C1", u1, start)
	require.NoError(t, err)
	logf("claim C1 by u1: %t", ok)
	ok, err = s.ClaimAccessCode(ctx, "SCRIPT-C1", u2, start)
	require.NoError(t, err)
	logf("claim C1 by u2: %t", ok)
	c1, err := s.GetAccessCode(ctx, "SCRIPT-C1")
	require.NoError(t, err)
	require.NotNil(t, c1.UsedBy)
	logf("get C1: %s by %s", c1.Status, users[*c1.UsedBy])

	ok, err = s.RevokeAccessCode(ctx, "SCRIPT-C2", start)
	require.NoError(t, err)
	logf("revoke C2: %t", ok)
	ok, err = s.ClaimAccessCode(ctx, "SCRIPT-C2", u2, start)
	require.NoError(t, err)
	logf("claim C2 by u2: %t", ok)

	ok, err = s.ClaimAccessCode(ctx, "SCRIPT-C3", u2, start.Add(2*time.Minute))
	require.NoError(t, err)
	logf("claim C3 late: %t", ok)
	ok, err = s.ExpireAccessCode(ctx, "SCRIPT-C3", start.Add(2*time.Minute))
	require.NoError(t, err)
	logf("expire C3: %t", ok)
	c3, err := s.GetAccessCode(ctx, "SCRIPT-C3")
	require.NoError(t, err)
	logf("get C3: %s", c3.Status)

	logf("put reset: %s", result(s.PutResetToken(ctx, "t-reset", u1, time.Hour)))
	clock.Set(start.Add(59 * time.Minute))
	who, ok, err := s.GetResetUserID(ctx, "t-reset")
	require.NoError(t, err)
	if ok {
		logf("get reset +59m: %s", users[who])
	} else {
		logf("get reset +59m: absent")
	}
	clock.Set(start.Add(61 * time.Minute))
	_, ok, err = s.GetResetUserID(ctx, "t-reset")
	require.NoError(t, err)
	logf("get reset +61m: %s", presence(ok))
	clock.Set(start)
	_, ok, err = s.GetResetUserID(ctx, "t-reset")
	require.NoError(t, err)
	logf("get reset rewound: %s", presence(ok))

	_, err = s.GetAccessCode(ctx, "SCRIPT-XX")
	logf("get missing code: %s", result(err))

	res, err := s.PurgeExpired(ctx, start.Add(2*time.Minute))
	require.NoError(t, err)
	logf("purge: refresh=%d reset=%d", res.RefreshTokens, res.ResetTokens)
	return out
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}
