// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package keypass manages single-use organisation access codes.
//
// A code moves from available to exactly one of used, revoked or expired and
// never back. Who wins a concurrent claim is decided by the store's atomic
// compare-and-swap; this package only reports why a losing claim lost.
package keypass
