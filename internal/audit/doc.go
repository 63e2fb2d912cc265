// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package audit records security-relevant events without ever failing the
// operation that produced them.
//
// Record enqueues and returns. A single consumer goroutine writes events to
// the credential store. Queue overflow, writer errors and writer panics are
// counted and logged, then dropped.
package audit
