// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keypass/keypass/pkg/errutil"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errutil.Define(errutil.ErrNotFound, "record not found")

// ErrDuplicate is returned when inserting a record whose key already exists.
var ErrDuplicate = errutil.Define(errutil.ErrConflict, "record already exists")

// Clock returns the current time. Stores evaluate expiry against it.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// HashToken computes the hex SHA-256 key under which a token is stored.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// PurgeResult counts rows removed by PurgeExpired.
type PurgeResult struct {
	RefreshTokens int64
	ResetTokens   int64
}

// RefreshTokenStore tracks which refresh tokens are still live.
type RefreshTokenStore interface {
	// PutRefreshToken registers a refresh token. Overwrites are not an error.
	PutRefreshToken(ctx context.Context, tokenHash string, userID ulid.ULID, expiresAt time.Time) error

	// HasRefreshToken reports whether the token is registered.
	HasRefreshToken(ctx context.Context, tokenHash string) (bool, error)

	// ConsumeRefreshToken removes the token and returns its owner.
	// Exactly one of any number of concurrent callers observes ok=true.
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (userID ulid.ULID, ok bool, err error)

	// DeleteRefreshToken removes one token. Deleting an absent token is not an error.
	DeleteRefreshToken(ctx context.Context, tokenHash string) error

	// DeleteAllRefreshTokensForUser removes every token bound to userID.
	DeleteAllRefreshTokensForUser(ctx context.Context, userID ulid.ULID) error
}

// AccessCodeStore holds single-use organisation access codes.
type AccessCodeStore interface {
	// CreateAccessCodes inserts a batch. Any duplicate code fails the whole batch
	// with ErrDuplicate.
	CreateAccessCodes(ctx context.Context, codes []*AccessCode) error

	// GetAccessCode returns the stored record. Returns ErrNotFound when absent.
	GetAccessCode(ctx context.Context, code string) (*AccessCode, error)

	// ClaimAccessCode moves code from available to used iff it is available
	// and now is not past its expiry. Returns true only for the call that made
	// the transition. The check and the write are one indivisible step.
	ClaimAccessCode(ctx context.Context, code string, claimant ulid.ULID, now time.Time) (bool, error)

	// RevokeAccessCode moves an available code to revoked.
	RevokeAccessCode(ctx context.Context, code string, now time.Time) (bool, error)

	// ExpireAccessCode moves an available code to expired.
	ExpireAccessCode(ctx context.Context, code string, now time.Time) (bool, error)
}

// ResetTokenStore holds time-limited password reset tokens.
type ResetTokenStore interface {
	// PutResetToken stores a reset token valid for ttl from the store clock.
	PutResetToken(ctx context.Context, tokenHash string, userID ulid.ULID, ttl time.Duration) error

	// GetResetUserID returns the bound user while now < expiresAt. An expired
	// entry is deleted and reported as absent.
	GetResetUserID(ctx context.Context, tokenHash string) (ulid.ULID, bool, error)

	// ConsumeResetToken atomically removes the token and returns its user
	// while now < expiresAt. Of concurrent callers at most one gets ok.
	ConsumeResetToken(ctx context.Context, tokenHash string) (ulid.ULID, bool, error)

	// DeleteResetToken removes a reset token. Absent tokens are not an error.
	DeleteResetToken(ctx context.Context, tokenHash string) error

	// DeleteResetTokensForUser removes every reset token bound to userID.
	DeleteResetTokensForUser(ctx context.Context, userID ulid.ULID) error
}

// AuditStore appends audit events.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
}

// Store is the full credential store contract.
type Store interface {
	RefreshTokenStore
	AccessCodeStore
	ResetTokenStore
	AuditStore

	// PurgeExpired deletes expired refresh and reset tokens. Access codes are
	// never deleted.
	PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
