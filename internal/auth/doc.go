// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package auth issues and verifies session credentials and runs the password
// reset flow.
//
// # Services
//
//   - TokenService - access/refresh pairs, single-use refresh rotation,
//     logout and bulk revocation
//   - PasswordResetService - single-use, time-limited reset tokens
//   - Authenticator - email/password login on top of TokenService
//
// Tokens never reach the credential store in plaintext; the store keys
// every record by credstore.HashToken.
package auth
