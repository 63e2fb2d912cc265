// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package credstore defines the credential store shared by the token, access
// code and password reset services.
//
// # Backends
//
// Two implementations exist and are selected once per process:
//   - postgres - durable, single-statement compare-and-swap for claims
//   - memory - process-lifetime maps, for tests and offline mode
//
// Both must present identical read/write and atomicity semantics. Durability
// is the only permitted difference. The conformance suite in credstoretest
// runs against both.
//
// # Token keys
//
// Stores never see plaintext tokens. Callers pass HashToken(token) and the
// store keys records by that value.
package credstore
