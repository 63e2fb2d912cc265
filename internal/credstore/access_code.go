// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package credstore

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// CodeStatus is the lifecycle state of an access code.
type CodeStatus string

// Access code states. Every state except available is terminal.
const (
	CodeAvailable CodeStatus = "available"
	CodeUsed      CodeStatus = "used"
	CodeRevoked   CodeStatus = "revoked"
	CodeExpired   CodeStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s CodeStatus) Terminal() bool {
	return s != CodeAvailable
}

// AccessCode is a single-use code granting one user access to an organisation.
type AccessCode struct {
	Code      string
	OrgID     ulid.ULID
	Status    CodeStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	UsedBy    *ulid.ULID
	RevokedAt *time.Time
}

// ExpiredAt reports whether the code is past its expiry at t, regardless of
// the stored status.
func (c *AccessCode) ExpiredAt(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (c *AccessCode) Clone() *AccessCode {
	out := *c
	if c.UsedAt != nil {
		t := *c.UsedAt
		out.UsedAt = &t
	}
	if c.UsedBy != nil {
		id := *c.UsedBy
		out.UsedBy = &id
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}
