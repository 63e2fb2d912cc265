// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package identity holds the user record as seen by the credential core.
//
// Users are owned by the identity domain. The credential core reads them to
// build access credentials and only ever writes one field: the password hash
// after a successful reset.
package identity

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keypass/keypass/pkg/errutil"
)

// Role is a user's role within their organisation.
type Role string

// Known roles.
const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	default:
		return false
	}
}

// ErrUserNotFound is returned when a user does not exist.
var ErrUserNotFound = errutil.Define(errutil.ErrNotFound, "user not found")

// ErrEmailTaken is returned when creating a user whose email already exists.
var ErrEmailTaken = errutil.Define(errutil.ErrConflict, "email already registered")

// User is an account in an organisation.
type User struct {
	ID           ulid.ULID
	Email        string
	Role         Role
	OrgID        ulid.ULID
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewUser creates a validated User. The email is normalised to lower case.
func NewUser(email string, role Role, orgID ulid.ULID, passwordHash string) (*User, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, oops.Code("USER_INVALID_EMAIL").
			With("email", email).
			Wrap(errutil.Define(errutil.ErrValidation, "invalid email"))
	}
	if !role.Valid() {
		return nil, oops.Code("USER_INVALID_ROLE").
			With("role", string(role)).
			Wrap(errutil.Define(errutil.ErrValidation, "invalid role"))
	}
	if orgID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("USER_INVALID_ORG").
			Wrap(errutil.Define(errutil.ErrValidation, "organisation ID cannot be zero"))
	}
	if passwordHash == "" {
		return nil, oops.Code("USER_INVALID_PASSWORD_HASH").
			Wrap(errutil.Define(errutil.ErrValidation, "password hash cannot be empty"))
	}

	now := time.Now().UTC()
	return &User{
		ID:           ulid.Make(),
		Email:        email,
		Role:         role,
		OrgID:        orgID,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Repository manages user persistence. Implementations live next to each
// credential store backend so one backend decision covers both.
type Repository interface {
	// Create stores a new user. Returns ErrEmailTaken on duplicate email.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user. Returns ErrUserNotFound when absent.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by normalised email. Returns ErrUserNotFound when absent.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdatePasswordHash replaces the user's password hash.
	// Returns ErrUserNotFound when the user does not exist.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error
}
