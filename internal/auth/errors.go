// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth

import "github.com/keypass/keypass/pkg/errutil"

// Credential errors. Each is an errutil.ErrAuth.
var (
	// ErrInvalidToken covers revoked, replayed or structurally wrong tokens.
	ErrInvalidToken = errutil.Define(errutil.ErrAuth, "invalid token")
	// ErrTokenExpired is returned for a well-formed token past its exp claim.
	ErrTokenExpired = errutil.Define(errutil.ErrAuth, "token expired")
	// ErrTokenMalformed is returned when the token cannot be parsed.
	ErrTokenMalformed = errutil.Define(errutil.ErrAuth, "token malformed")
	// ErrSignatureInvalid is returned when the signature does not verify.
	ErrSignatureInvalid = errutil.Define(errutil.ErrAuth, "token signature invalid")
	// ErrResetInvalidOrExpired is the single answer for any unusable reset token.
	ErrResetInvalidOrExpired = errutil.Define(errutil.ErrAuth, "reset token invalid or expired")
	// ErrInvalidCredentials is returned by Login for unknown email or wrong password.
	ErrInvalidCredentials = errutil.Define(errutil.ErrAuth, "invalid email or password")
)

// Input errors. Each is an errutil.ErrValidation.
var (
	// ErrEmptyPassword is returned when hashing an empty password.
	ErrEmptyPassword = errutil.Define(errutil.ErrValidation, "password cannot be empty")
	// ErrPasswordTooLong is returned for passwords over MaxPasswordBytes.
	ErrPasswordTooLong = errutil.Define(errutil.ErrValidation, "password too long")
	// ErrInvalidConfig is returned by TokenConfig.Validate.
	ErrInvalidConfig = errutil.Define(errutil.ErrValidation, "invalid token configuration")
)
