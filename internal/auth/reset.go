// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/samber/oops"
)

// ResetTokenExpiry is how long a reset token stays valid.
const ResetTokenExpiry = time.Hour

const resetTokenBytes = 32

// GenerateResetToken returns a 64 character hex token from 32 random bytes.
func GenerateResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}
