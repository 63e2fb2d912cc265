// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package keypass

import "github.com/keypass/keypass/pkg/errutil"

// Claim outcomes other than success.
var (
	ErrCodeNotFound   = errutil.Define(errutil.ErrNotFound, "access code not found")
	ErrCodeExpired    = errutil.Define(errutil.ErrExpired, "access code expired")
	ErrCodeRevoked    = errutil.Define(errutil.ErrConflict, "access code revoked")
	ErrAlreadyClaimed = errutil.Define(errutil.ErrConflict, "access code already claimed")
)

var (
	// ErrNotAvailable is returned when revoking or expiring a code that has
	// already left the available state.
	ErrNotAvailable = errutil.Define(errutil.ErrConflict, "access code not available")
	// ErrInvalidCode is returned for input that cannot be a code.
	ErrInvalidCode = errutil.Define(errutil.ErrValidation, "invalid access code")
	// ErrInvalidBatch is returned for a bad IssueBatch request.
	ErrInvalidBatch = errutil.Define(errutil.ErrValidation, "invalid access code batch")
)
