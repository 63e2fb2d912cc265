// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package keypass_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/audit/audittest"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/credstore/credstoretest"
	"github.com/keypass/keypass/internal/credstore/memory"
	"github.com/keypass/keypass/internal/keypass"
	"github.com/keypass/keypass/internal/observability"
	"github.com/keypass/keypass/pkg/errutil"
)

type fixture struct {
	clock    *credstoretest.Clock
	store    *memory.Store
	recorder *audittest.Recorder
	metrics  *observability.Metrics
	svc      *keypass.Service
	org      ulid.ULID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    credstoretest.NewClock(credstoretest.Epoch),
		recorder: &audittest.Recorder{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		org:      ulid.Make(),
	}
	f.store = memory.New(memory.WithClock(f.clock.Now))
	f.svc = keypass.NewService(f.store,
		keypass.WithClock(f.clock.Now),
		keypass.WithMetrics(f.metrics),
		keypass.WithAuditRecorder(f.recorder),
	)
	return f
}

func (f *fixture) seed(t *testing.T, code string, ttl time.Duration) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.store.CreateAccessCodes(context.Background(), []*credstore.AccessCode{{
		Code:      code,
		OrgID:     f.org,
		Status:    credstore.CodeAvailable,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}}))
}

func (f *fixture) claims(result string) float64 {
	return testutil.ToFloat64(f.metrics.CodeClaims.WithLabelValues(result))
}

func TestClaim_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "FRA-ABC123", time.Hour)
	user := ulid.Make()

	claimed, err := f.svc.Claim(ctx, " fra-abc123 ", user)
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeUsed, claimed.Status)
	require.NotNil(t, claimed.UsedBy)
	assert.Equal(t, user, *claimed.UsedBy)
	require.NotNil(t, claimed.UsedAt)
	assert.True(t, claimed.UsedAt.Equal(f.clock.Now()))
	assert.Equal(t, f.org, claimed.OrgID)

	assert.InDelta(t, 1, f.claims(observability.ResultSuccess), 0)
	events := f.recorder.Find(keypass.EventClaimed)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, f.org.String(), events[0].OrgID)
}

func TestClaim_Failures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		want   error
		kind   errutil.Kind
		result string
	}{
		{
			name:   "unknown code",
			setup:  func(*testing.T, *fixture) {},
			want:   keypass.ErrCodeNotFound,
			kind:   errutil.KindNotFound,
			result: "not_found",
		},
		{
			name: "already claimed",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "FRA-ABC123", time.Hour)
				_, err := f.svc.Claim(context.Background(), "FRA-ABC123", ulid.Make())
				require.NoError(t, err)
			},
			want:   keypass.ErrAlreadyClaimed,
			kind:   errutil.KindConflict,
			result: "already_claimed",
		},
		{
			name: "revoked",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "FRA-ABC123", time.Hour)
				_, err := f.svc.Revoke(context.Background(), "FRA-ABC123")
				require.NoError(t, err)
			},
			want:   keypass.ErrCodeRevoked,
			kind:   errutil.KindConflict,
			result: "revoked",
		},
		{
			name: "administratively expired",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "FRA-ABC123", time.Hour)
				_, err := f.svc.Expire(context.Background(), "FRA-ABC123")
				require.NoError(t, err)
			},
			want:   keypass.ErrCodeExpired,
			kind:   errutil.KindExpired,
			result: "expired",
		},
		{
			name: "past expiry while still stored available",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "FRA-ABC123", time.Hour)
				f.clock.Advance(time.Hour + time.Millisecond)
			},
			want:   keypass.ErrCodeExpired,
			kind:   errutil.KindExpired,
			result: "expired",
		},
		{
			name: "revoked then past expiry reports expired",
			setup: func(t *testing.T, f *fixture) {
				f.seed(t, "FRA-ABC123", time.Hour)
				_, err := f.svc.Revoke(context.Background(), "FRA-ABC123")
				require.NoError(t, err)
				f.clock.Advance(2 * time.Hour)
			},
			want:   keypass.ErrCodeExpired,
			kind:   errutil.KindExpired,
			result: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			got, err := f.svc.Claim(context.Background(), "FRA-ABC123", ulid.Make())
			require.Error(t, err)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tt.want)
			errutil.AssertErrorKind(t, err, tt.kind)
			assert.InDelta(t, 1, f.claims(tt.result), 0)
		})
	}
}

func TestClaim_AtExpiryInstantSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "FRA-ABC123", time.Hour)
	f.clock.Advance(time.Hour)

	_, err := f.svc.Claim(context.Background(), "FRA-ABC123", ulid.Make())
	require.NoError(t, err)
}

func TestClaim_FailureDoesNotChangeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "FRA-ABC123", time.Hour)
	f.clock.Advance(2 * time.Hour)

	_, err := f.svc.Claim(ctx, "FRA-ABC123", ulid.Make())
	require.ErrorIs(t, err, keypass.ErrCodeExpired)

	stored, err := f.svc.Get(ctx, "FRA-ABC123")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeAvailable, stored.Status, "expiry is evaluated lazily")
	assert.Nil(t, stored.UsedBy)
}

func TestClaim_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Claim(ctx, "not a code", ulid.Make())
	assert.ErrorIs(t, err, keypass.ErrInvalidCode)

	_, err = f.svc.Claim(ctx, "FRA-ABC123", ulid.ULID{})
	assert.ErrorIs(t, err, keypass.ErrInvalidCode)
	errutil.AssertErrorKind(t, err, errutil.KindValidation)
}

func TestClaim_RaceHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "FRA-ABC123", time.Hour)

	const racers = 64
	claimants := make([]ulid.ULID, racers)
	errs := make([]error, racers)
	for i := range claimants {
		claimants[i] = ulid.Make()
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Claim(ctx, "FRA-ABC123", claimants[i])
		}()
	}
	close(start)
	wg.Wait()

	var winner ulid.ULID
	wins := 0
	for i, err := range errs {
		if err == nil {
			wins++
			winner = claimants[i]
			continue
		}
		assert.ErrorIs(t, err, keypass.ErrAlreadyClaimed)
	}
	require.Equal(t, 1, wins)

	stored, err := f.svc.Get(ctx, "FRA-ABC123")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeUsed, stored.Status)
	require.NotNil(t, stored.UsedBy)
	assert.Equal(t, winner, *stored.UsedBy)
	assert.InDelta(t, racers-1, f.claims("already_claimed"), 0)
}

func TestIssueBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes, err := f.svc.IssueBatch(ctx, f.org, "fra", 50, 0)
	require.NoError(t, err)
	require.Len(t, codes, 50)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.Regexp(t, "^FRA-", c.Code)
		assert.False(t, seen[c.Code], "duplicate %s", c.Code)
		seen[c.Code] = true
		assert.Equal(t, credstore.CodeAvailable, c.Status)
		assert.Equal(t, f.org, c.OrgID)
		assert.Equal(t, f.clock.Now().Add(keypass.DefaultCodeTTL), c.ExpiresAt)

		stored, err := f.svc.Get(ctx, c.Code)
		require.NoError(t, err)
		assert.Equal(t, c.Code, stored.Code)
	}

	events := f.recorder.Find(keypass.EventBatchIssued)
	require.Len(t, events, 1)
	assert.Equal(t, 50, events[0].Fields["count"])
}

func TestIssueBatch_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		org    ulid.ULID
		prefix string
		count  int
		ttl    time.Duration
	}{
		{"zero org", ulid.ULID{}, "FRA", 1, time.Hour},
		{"zero count", f.org, "FRA", 0, time.Hour},
		{"too many", f.org, "FRA", keypass.MaxBatchSize + 1, time.Hour},
		{"negative ttl", f.org, "FRA", 1, -time.Hour},
		{"bad prefix", f.org, "F", 1, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := f.svc.IssueBatch(ctx, tt.org, tt.prefix, tt.count, tt.ttl)
			require.Error(t, err)
			assert.Nil(t, codes)
			assert.ErrorIs(t, err, keypass.ErrInvalidBatch)
		})
	}
}

func TestRevokeAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "FRA-AAAAAA", time.Hour)
	f.seed(t, "FRA-BBBBBB", time.Hour)

	revoked, err := f.svc.Revoke(ctx, "fra-aaaaaa")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	expired, err := f.svc.Expire(ctx, "FRA-BBBBBB")
	require.NoError(t, err)
	assert.Equal(t, credstore.CodeExpired, expired.Status)

	t.Run("terminal states do not move", func(t *testing.T) {
		_, err := f.svc.Expire(ctx, "FRA-AAAAAA")
		assert.ErrorIs(t, err, keypass.ErrNotAvailable)
		errutil.AssertErrorContext(t, err, "status", "revoked")

		_, err = f.svc.Revoke(ctx, "FRA-BBBBBB")
		assert.ErrorIs(t, err, keypass.ErrNotAvailable)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := f.svc.Revoke(ctx, "FRA-CCCCCC")
		assert.ErrorIs(t, err, keypass.ErrCodeNotFound)
	})

	assert.Len(t, f.recorder.Find(keypass.EventRevoked), 1)
	assert.Len(t, f.recorder.Find(keypass.EventExpired), 1)
}
