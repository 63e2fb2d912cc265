// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package keypass

import (
	"crypto/rand"
	"regexp"
	"strings"

	"github.com/samber/oops"
)

// Alphabet excludes characters that are easy to misread: I, O, 0 and 1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// SuffixLength is the number of random characters after the prefix.
const SuffixLength = 6

var (
	codePattern   = regexp.MustCompile(`^[A-Z0-9]{2,8}-[A-Z0-9]{4,16}$`)
	prefixPattern = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)
)

// NormalizeCode trims whitespace and upper-cases.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode normalises code and checks its shape.
func ValidateCode(code string) (string, error) {
	code = NormalizeCode(code)
	if !codePattern.MatchString(code) {
		return "", oops.Code("CODE_INVALID").With("code", code).Wrap(ErrInvalidCode)
	}
	return code, nil
}

// GenerateCode returns PREFIX-XXXXXX with the suffix drawn from Alphabet.
func GenerateCode(prefix string) (string, error) {
	prefix = NormalizeCode(prefix)
	if !prefixPattern.MatchString(prefix) {
		return "", oops.Code("CODE_PREFIX_INVALID").With("prefix", prefix).Wrap(ErrInvalidBatch)
	}

	buf := make([]byte, SuffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("CODE_GENERATE_FAILED").Wrap(err)
	}
	// len(Alphabet) divides 256, so the modulo is unbiased.
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return prefix + "-" + string(buf), nil
}
