// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package errutil holds the error taxonomy shared by every keypass package and
// helpers for logging and asserting oops errors.
//
// Domain packages define their own sentinels that wrap one of the kind
// sentinels below, so callers can match either the precise error
// (auth.ErrTokenExpired) or its kind (errutil.ErrAuth) with errors.Is.
package errutil

import (
	"errors"
	"fmt"
	"time"
)

// Kind sentinels. Each maps to one class of caller-facing response.
var (
	// ErrValidation marks malformed input to a domain operation.
	ErrValidation = errors.New("validation failed")
	// ErrAuth marks an invalid, expired or malformed credential.
	ErrAuth = errors.New("authentication failed")
	// ErrConflict marks a state conflict such as an already claimed code.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an unknown code, token or user.
	ErrNotFound = errors.New("not found")
	// ErrExpired marks a time-bound resource past its validity.
	ErrExpired = errors.New("expired")
	// ErrRateLimited marks an exhausted request budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrStore marks a backend connectivity or timeout failure. Always transient.
	ErrStore = errors.New("store unavailable")
)

// Kind names an error class.
type Kind string

// Error kinds returned by KindOf.
const (
	KindUnknown     Kind = "unknown"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindExpired     Kind = "expired"
	KindRateLimited Kind = "rate_limited"
	KindStore       Kind = "store"
)

// kindOrder is checked in sequence; store failures win over everything else
// because a wrapped store error must never be mistaken for a domain outcome.
var kindOrder = []struct {
	sentinel error
	kind     Kind
}{
	{ErrStore, KindStore},
	{ErrRateLimited, KindRateLimited},
	{ErrValidation, KindValidation},
	{ErrAuth, KindAuth},
	{ErrConflict, KindConflict},
	{ErrNotFound, KindNotFound},
	{ErrExpired, KindExpired},
}

// KindOf classifies err. Returns KindUnknown for nil or unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// Define returns a domain sentinel of the given kind. The result matches both
// itself and kind with errors.Is.
func Define(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// storeError tags a backend failure with ErrStore while keeping the cause
// reachable for errors.Is/As.
type storeError struct {
	cause error
}

func (e *storeError) Error() string {
	return "store: " + e.cause.Error()
}

func (e *storeError) Unwrap() []error {
	return []error{ErrStore, e.cause}
}

// Store marks err as a transient store failure. Returns nil for nil.
func Store(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return &storeError{cause: err}
}

// RateLimitedError reports an exhausted budget and when to retry.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %dms", e.RetryAfter.Milliseconds())
}

// Is reports ErrRateLimited as a match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the retry delay from a rate limit error in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
