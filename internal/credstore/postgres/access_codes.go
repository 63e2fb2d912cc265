// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/pkg/errutil"
)

// CreateAccessCodes inserts a batch in one statement; a duplicate rejects the whole batch.
func (s *Store) CreateAccessCodes(ctx context.Context, codes []*credstore.AccessCode) error {
	if len(codes) == 0 {
		return nil
	}

	var (
		code      = make([]string, len(codes))
		orgID     = make([]string, len(codes))
		status    = make([]string, len(codes))
		createdAt = make([]time.Time, len(codes))
		expiresAt = make([]time.Time, len(codes))
	)
	for i, c := range codes {
		code[i] = c.Code
		orgID[i] = c.OrgID.String()
		status[i] = string(c.Status)
		createdAt[i] = c.CreatedAt
		expiresAt[i] = c.ExpiresAt
	}

	ctx, cancel := s.stmt(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO access_codes (code, org_id, status, created_at, expires_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[], $5::timestamptz[])
	`, code, orgID, status, createdAt, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("CODE_CREATE_FAILED").
				With("count", len(codes)).
				Wrap(credstore.ErrDuplicate)
		}
		return oops.Code("CODE_CREATE_FAILED").
			With("operation", "insert access_codes").
			With("count", len(codes)).
			Wrap(errutil.Store(err))
	}
	return nil
}

// GetAccessCode returns the stored record.
func (s *Store) GetAccessCode(ctx context.Context, code string) (*credstore.AccessCode, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT code, org_id, status, created_at, expires_at, used_at, used_by, revoked_at
		FROM access_codes
		WHERE code = $1
	`, code)

	c, err := scanAccessCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("CODE_NOT_FOUND").
			With("code", code).
			Wrap(credstore.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ClaimAccessCode is the available -> used compare-and-swap. The engine
// serialises concurrent updates of the row, so exactly one caller sees one
// affected row.
func (s *Store) ClaimAccessCode(ctx context.Context, code string, claimant ulid.ULID, now time.Time) (bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE access_codes
		SET status = 'used', used_at = $3, used_by = $2
		WHERE code = $1 AND status = 'available' AND expires_at >= $3
	`, code, claimant.String(), now)
	if err != nil {
		return false, oops.Code("CODE_CLAIM_FAILED").
			With("operation", "update access_code").
			With("code", code).
			Wrap(errutil.Store(err))
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAccessCode moves an available code to revoked.
func (s *Store) RevokeAccessCode(ctx context.Context, code string, now time.Time) (bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE access_codes
		SET status = 'revoked', revoked_at = $2
		WHERE code = $1 AND status = 'available'
	`, code, now)
	if err != nil {
		return false, oops.Code("CODE_REVOKE_FAILED").
			With("operation", "update access_code").
			With("code", code).
			Wrap(errutil.Store(err))
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireAccessCode moves an available code to expired.
func (s *Store) ExpireAccessCode(ctx context.Context, code string, _ time.Time) (bool, error) {
	ctx, cancel := s.stmt(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE access_codes
		SET status = 'expired'
		WHERE code = $1 AND status = 'available'
	`, code)
	if err != nil {
		return false, oops.Code("CODE_EXPIRE_FAILED").
			With("operation", "update access_code").
			With("code", code).
			Wrap(errutil.Store(err))
	}
	return tag.RowsAffected() == 1, nil
}

// scanAccessCode scans a single row into an AccessCode.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccessCode(row pgx.Row) (*credstore.AccessCode, error) {
	var (
		code      string
		orgIDStr  string
		status    string
		createdAt time.Time
		expiresAt time.Time
		usedAt    *time.Time
		usedByStr *string
		revokedAt *time.Time
	)

	err := row.Scan(&code, &orgIDStr, &status, &createdAt, &expiresAt, &usedAt, &usedByStr, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("CODE_SCAN_FAILED").
			With("operation", "scan access_code").
			Wrap(errutil.Store(err))
	}

	orgID, err := ulid.Parse(orgIDStr)
	if err != nil {
		return nil, oops.Code("CODE_INVALID_ORG_ID").
			With("org_id", orgIDStr).
			Wrap(err)
	}

	c := &credstore.AccessCode{
		Code:      code,
		OrgID:     orgID,
		Status:    credstore.CodeStatus(status),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		UsedAt:    usedAt,
		RevokedAt: revokedAt,
	}
	if usedByStr != nil {
		usedBy, err := ulid.Parse(*usedByStr)
		if err != nil {
			return nil, oops.Code("CODE_INVALID_USED_BY").
				With("used_by", *usedByStr).
				Wrap(err)
		}
		c.UsedBy = &usedBy
	}
	return c, nil
}
