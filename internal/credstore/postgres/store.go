// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package postgres provides the PostgreSQL credential store and user repository.
//
// Every state transition that must be exactly-once is a single SQL statement,
// so the database engine serialises racing callers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/pkg/errutil"
)

// DefaultStatementTimeout bounds each statement when no timeout is configured.
const DefaultStatementTimeout = 5 * time.Second

// Pool is the subset of pgxpool.Pool used by this package.
// pgxmock.PgxPoolIface satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for reset token expiry.
func WithClock(clock credstore.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStatementTimeout bounds each statement. Non-positive values keep the default.
func WithStatementTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Store implements credstore.Store using PostgreSQL.
type Store struct {
	pool    Pool
	clock   credstore.Clock
	timeout time.Duration
}

// New creates a Store over an existing pool. The Store owns the pool and
// closes it on Close.
func New(pool Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		clock:   credstore.SystemClock,
		timeout: DefaultStatementTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stmt derives the per-statement context.
func (s *Store) stmt(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// PutRefreshToken registers a refresh token, overwriting any previous binding.
func (s *Store) PutRefreshToken(ctx context.Context, tokenHash string, userID ulid.ULID, expiresAt time.Time) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE
		SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, tokenHash, userID.String(), expiresAt, s.clock())
	if err != nil {
		return oops.Code("REFRESH_PUT_FAILED").
			With("operation", "upsert refresh_token").
			With("user_id", userID.String()).
			Wrap(errutil.Store(err))
	}
	return nil
}

// HasRefreshToken reports whether the token is registered.
func (s *Store) HasRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_hash = $1)
	`, tokenHash).Scan(&exists)
	if err != nil {
		return false, oops.Code("REFRESH_LOOKUP_FAILED").
			With("operation", "select refresh_token").
			Wrap(errutil.Store(err))
	}
	return exists, nil
}

// ConsumeRefreshToken deletes the token and returns its owner in one statement.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (ulid.ULID, bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	var userIDStr string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM refresh_tokens WHERE token_hash = $1
		RETURNING user_id
	`, tokenHash).Scan(&userIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, false, nil
	}
	if err != nil {
		return ulid.ULID{}, false, oops.Code("REFRESH_CONSUME_FAILED").
			With("operation", "delete returning refresh_token").
			Wrap(errutil.Store(err))
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return ulid.ULID{}, false, oops.Code("REFRESH_INVALID_USER_ID").
			With("user_id", userIDStr).
			Wrap(err)
	}
	return userID, true, nil
}

// DeleteRefreshToken removes one token. No error when nothing matched.
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return oops.Code("REFRESH_DELETE_FAILED").
			With("operation", "delete refresh_token").
			Wrap(errutil.Store(err))
	}
	return nil
}

// DeleteAllRefreshTokensForUser removes every token bound to userID.
func (s *Store) DeleteAllRefreshTokensForUser(ctx context.Context, userID ulid.ULID) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID.String()); err != nil {
		return oops.Code("REFRESH_DELETE_BY_USER_FAILED").
			With("operation", "delete refresh_tokens by user").
			With("user_id", userID.String()).
			Wrap(errutil.Store(err))
	}
	return nil
}

// PutResetToken stores a reset token valid for ttl from the store clock.
func (s *Store) PutResetToken(ctx context.Context, tokenHash string, userID ulid.ULID, ttl time.Duration) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	now := s.clock()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE
		SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, tokenHash, userID.String(), now.Add(ttl), now)
	if err != nil {
		return oops.Code("RESET_PUT_FAILED").
			With("operation", "upsert password_reset").
			With("user_id", userID.String()).
			Wrap(errutil.Store(err))
	}
	return nil
}

// GetResetUserID returns the bound user while the token is unexpired. The
// same statement deletes the row when it has expired.
func (s *Store) GetResetUserID(ctx context.Context, tokenHash string) (ulid.ULID, bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	var userIDStr string
	err := s.pool.QueryRow(ctx, `
		WITH expired AS (
			DELETE FROM password_resets
			WHERE token_hash = $1 AND expires_at <= $2
		)
		SELECT user_id FROM password_resets
		WHERE token_hash = $1 AND expires_at > $2
	`, tokenHash, s.clock()).Scan(&userIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, false, nil
	}
	if err != nil {
		return ulid.ULID{}, false, oops.Code("RESET_LOOKUP_FAILED").
			With("operation", "select password_reset").
			Wrap(errutil.Store(err))
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return ulid.ULID{}, false, oops.Code("RESET_INVALID_USER_ID").
			With("user_id", userIDStr).
			Wrap(err)
	}
	return userID, true, nil
}

// ConsumeResetToken deletes a live token and returns its user in one
// statement. Expired rows are left for PurgeExpired.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash string) (ulid.ULID, bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	var userIDStr string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM password_resets
		WHERE token_hash = $1 AND expires_at > $2
		RETURNING user_id
	`, tokenHash, s.clock()).Scan(&userIDStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, false, nil
	}
	if err != nil {
		return ulid.ULID{}, false, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "delete returning password_reset").
			Wrap(errutil.Store(err))
	}

	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return ulid.ULID{}, false, oops.Code("RESET_INVALID_USER_ID").
			With("user_id", userIDStr).
			Wrap(err)
	}
	return userID, true, nil
}

// DeleteResetToken removes a reset token.
func (s *Store) DeleteResetToken(ctx context.Context, tokenHash string) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM password_resets WHERE token_hash = $1`, tokenHash); err != nil {
		return oops.Code("RESET_DELETE_FAILED").
			With("operation", "delete password_reset").
			Wrap(errutil.Store(err))
	}
	return nil
}

// DeleteResetTokensForUser removes every reset token bound to userID.
func (s *Store) DeleteResetTokensForUser(ctx context.Context, userID ulid.ULID) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM password_resets WHERE user_id = $1`, userID.String()); err != nil {
		return oops.Code("RESET_DELETE_BY_USER_FAILED").
			With("operation", "delete password_resets by user").
			With("user_id", userID.String()).
			Wrap(errutil.Store(err))
	}
	return nil
}

// AppendAuditEvent inserts an audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event *credstore.AuditEvent) error {
	if event == nil {
		return oops.Code("AUDIT_EVENT_NIL").Errorf("audit event cannot be nil")
	}
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return oops.Code("AUDIT_ENCODE_FAILED").
			With("type", event.Type).
			Wrap(err)
	}

	ctx, cancel := s.stmt(ctx)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, type, actor_id, org_id, subject, outcome, fields, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID.String(), event.Type, event.ActorID, event.OrgID, event.Subject, event.Outcome, fields, event.OccurredAt)
	if err != nil {
		return oops.Code("AUDIT_APPEND_FAILED").
			With("operation", "insert audit_event").
			With("type", event.Type).
			Wrap(errutil.Store(err))
	}
	return nil
}

// PurgeExpired deletes expired refresh and reset tokens.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (credstore.PurgeResult, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	var res credstore.PurgeResult
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return res, oops.Code("PURGE_FAILED").
			With("operation", "delete expired refresh_tokens").
			Wrap(errutil.Store(err))
	}
	res.RefreshTokens = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM password_resets WHERE expires_at <= $1`, now)
	if err != nil {
		return res, oops.Code("PURGE_FAILED").
			With("operation", "delete expired password_resets").
			Wrap(errutil.Store(err))
	}
	res.ResetTokens = tag.RowsAffected()
	return res, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return oops.Code("STORE_PING_FAILED").Wrap(errutil.Store(err))
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Compile-time interface check.
var _ credstore.Store = (*Store)(nil)
