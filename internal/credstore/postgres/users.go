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

	"github.com/keypass/keypass/internal/identity"
	"github.com/keypass/keypass/pkg/errutil"
)

// UserRepository implements identity.Repository using PostgreSQL.
type UserRepository struct {
	pool    Pool
	timeout time.Duration
}

// NewUserRepository creates a UserRepository sharing the store's pool.
func NewUserRepository(pool Pool) *UserRepository {
	return &UserRepository{pool: pool, timeout: DefaultStatementTimeout}
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, role, org_id, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID.String(), identity.NormalizeEmail(user.Email), string(user.Role), user.OrgID.String(),
		user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("USER_CREATE_FAILED").
				With("email", user.Email).
				Wrap(identity.ErrEmailTaken)
		}
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("user_id", user.ID.String()).
			Wrap(errutil.Store(err))
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*identity.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
		SELECT id, email, role, org_id, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`, id.String())

	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("user_id", id.String()).
			Wrap(identity.ErrUserNotFound)
	}
	return u, err
}

// GetByEmail retrieves a user by normalised email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	email = identity.NormalizeEmail(email)
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, role, org_id, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`, email)

	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("email", email).
			Wrap(identity.ErrUserNotFound)
	}
	return u, err
}

// UpdatePasswordHash replaces the user's password hash.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, id.String(), passwordHash, time.Now().UTC())
	if err != nil {
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "update password_hash").
			With("user_id", id.String()).
			Wrap(errutil.Store(err))
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").
			With("user_id", id.String()).
			Wrap(identity.ErrUserNotFound)
	}
	return nil
}

// scanUser scans a single row into a User.
// Callers are responsible for handling pgx.ErrNoRows.
func scanUser(row pgx.Row) (*identity.User, error) {
	var (
		idStr, email, role, orgIDStr, hash string
		createdAt, updatedAt               time.Time
	)
	if err := row.Scan(&idStr, &email, &role, &orgIDStr, &hash, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("USER_SCAN_FAILED").
			With("operation", "scan user").
			Wrap(errutil.Store(err))
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("USER_INVALID_ID").With("user_id", idStr).Wrap(err)
	}
	orgID, err := ulid.Parse(orgIDStr)
	if err != nil {
		return nil, oops.Code("USER_INVALID_ORG_ID").With("org_id", orgIDStr).Wrap(err)
	}
	return &identity.User{
		ID:           id,
		Email:        email,
		Role:         identity.Role(role),
		OrgID:        orgID,
		PasswordHash: hash,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// Compile-time interface check.
var _ identity.Repository = (*UserRepository)(nil)
