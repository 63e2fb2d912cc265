// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package credstore

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditEvent is one recorded security-relevant action.
type AuditEvent struct {
	ID         ulid.ULID
	Type       string
	ActorID    string
	OrgID      string
	Subject    string
	Outcome    string
	Fields     map[string]any
	OccurredAt time.Time
}
