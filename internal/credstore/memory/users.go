// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keypass/keypass/internal/identity"
)

// UserRepository implements identity.Repository in process memory.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]*identity.User
	byEmail map[string]ulid.ULID
}

// NewUserRepository creates an empty UserRepository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[ulid.ULID]*identity.User),
		byEmail: make(map[string]ulid.ULID),
	}
}

// Create stores a new user.
func (r *UserRepository) Create(_ context.Context, user *identity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := identity.NormalizeEmail(user.Email)
	if _, taken := r.byEmail[email]; taken {
		return oops.Code("USER_CREATE_FAILED").
			With("email", email).
			Wrap(identity.ErrEmailTaken)
	}
	u := *user
	u.Email = email
	r.byID[u.ID] = &u
	r.byEmail[email] = u.ID
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(_ context.Context, id ulid.ULID) (*identity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").
			With("user_id", id.String()).
			Wrap(identity.ErrUserNotFound)
	}
	out := *u
	return &out, nil
}

// GetByEmail retrieves a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	r.mu.RLock()
	id, ok := r.byEmail[identity.NormalizeEmail(email)]
	r.mu.RUnlock()
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").Wrap(identity.ErrUserNotFound)
	}
	return r.GetByID(ctx, id)
}

// UpdatePasswordHash replaces a user's password hash.
func (r *UserRepository) UpdatePasswordHash(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return oops.Code("USER_NOT_FOUND").
			With("user_id", id.String()).
			Wrap(identity.ErrUserNotFound)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Compile-time interface check.
var _ identity.Repository = (*UserRepository)(nil)
