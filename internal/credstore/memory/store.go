// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package memory provides the in-process fallback credential store.
//
// State lives for the lifetime of the process. Every operation runs under a
// single mutex and performs no I/O while holding it, which gives each call the
// same all-or-nothing visibility as the single-statement PostgreSQL backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keypass/keypass/internal/credstore"
)

type refreshEntry struct {
	userID    ulid.ULID
	expiresAt time.Time
}

type resetEntry struct {
	userID    ulid.ULID
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for reset token expiry and purging.
func WithClock(clock credstore.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Store implements credstore.Store in process memory.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	clock   credstore.Clock
	refresh map[string]refreshEntry
	resets  map[string]resetEntry
	codes   map[string]*credstore.AccessCode
	audit   []credstore.AuditEvent
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   credstore.SystemClock,
		refresh: make(map[string]refreshEntry),
		resets:  make(map[string]resetEntry),
		codes:   make(map[string]*credstore.AccessCode),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutRefreshToken registers a refresh token.
func (s *Store) PutRefreshToken(_ context.Context, tokenHash string, userID ulid.ULID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

// HasRefreshToken reports whether the token is registered.
func (s *Store) HasRefreshToken(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refresh[tokenHash]
	return ok, nil
}

// ConsumeRefreshToken removes the token and returns its owner.
func (s *Store) ConsumeRefreshToken(_ context.Context, tokenHash string) (ulid.ULID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refresh[tokenHash]
	if !ok {
		return ulid.ULID{}, false, nil
	}
	delete(s.refresh, tokenHash)
	return entry.userID, true, nil
}

// DeleteRefreshToken removes one token.
func (s *Store) DeleteRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenHash)
	return nil
}

// DeleteAllRefreshTokensForUser removes every token bound to userID.
func (s *Store) DeleteAllRefreshTokensForUser(_ context.Context, userID ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, entry := range s.refresh {
		if entry.userID == userID {
			delete(s.refresh, hash)
		}
	}
	return nil
}

// CreateAccessCodes inserts a batch of codes atomically.
func (s *Store) CreateAccessCodes(_ context.Context, codes []*credstore.AccessCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		_, dupInBatch := seen[c.Code]
		if _, exists := s.codes[c.Code]; exists || dupInBatch {
			return oops.Code("CODE_CREATE_FAILED").
				With("code", c.Code).
				Wrap(credstore.ErrDuplicate)
		}
		seen[c.Code] = struct{}{}
	}
	for _, c := range codes {
		s.codes[c.Code] = c.Clone()
	}
	return nil
}

// GetAccessCode returns a copy of the stored record.
func (s *Store) GetAccessCode(_ context.Context, code string) (*credstore.AccessCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, oops.Code("CODE_NOT_FOUND").
			With("code", code).
			Wrap(credstore.ErrNotFound)
	}
	return c.Clone(), nil
}

// ClaimAccessCode performs the available -> used compare-and-swap.
// The status check and the write happen under one lock hold.
func (s *Store) ClaimAccessCode(_ context.Context, code string, claimant ulid.ULID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || c.Status != credstore.CodeAvailable || c.ExpiredAt(now) {
		return false, nil
	}
	usedAt := now
	usedBy := claimant
	c.Status = credstore.CodeUsed
	c.UsedAt = &usedAt
	c.UsedBy = &usedBy
	return true, nil
}

// RevokeAccessCode moves an available code to revoked.
func (s *Store) RevokeAccessCode(_ context.Context, code string, now time.Time) (bool, error) {
	return s.transition(code, credstore.CodeRevoked, now), nil
}

// ExpireAccessCode moves an available code to expired.
func (s *Store) ExpireAccessCode(_ context.Context, code string, now time.Time) (bool, error) {
	return s.transition(code, credstore.CodeExpired, now), nil
}

func (s *Store) transition(code string, to credstore.CodeStatus, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || c.Status != credstore.CodeAvailable {
		return false
	}
	c.Status = to
	if to == credstore.CodeRevoked {
		at := now
		c.RevokedAt = &at
	}
	return true
}

// PutResetToken stores a reset token valid for ttl.
func (s *Store) PutResetToken(_ context.Context, tokenHash string, userID ulid.ULID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[tokenHash] = resetEntry{userID: userID, expiresAt: s.clock().Add(ttl)}
	return nil
}

// GetResetUserID returns the bound user, deleting the entry if it has expired.
func (s *Store) GetResetUserID(_ context.Context, tokenHash string) (ulid.ULID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.resets[tokenHash]
	if !ok {
		return ulid.ULID{}, false, nil
	}
	if !s.clock().Before(entry.expiresAt) {
		delete(s.resets, tokenHash)
		return ulid.ULID{}, false, nil
	}
	return entry.userID, true, nil
}

// ConsumeResetToken removes the entry and reports whether it was still live.
func (s *Store) ConsumeResetToken(_ context.Context, tokenHash string) (ulid.ULID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.resets[tokenHash]
	if !ok {
		return ulid.ULID{}, false, nil
	}
	delete(s.resets, tokenHash)
	if !s.clock().Before(entry.expiresAt) {
		return ulid.ULID{}, false, nil
	}
	return entry.userID, true, nil
}

// DeleteResetToken removes a reset token.
func (s *Store) DeleteResetToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resets, tokenHash)
	return nil
}

// DeleteResetTokensForUser removes every reset token bound to userID.
func (s *Store) DeleteResetTokensForUser(_ context.Context, userID ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, entry := range s.resets {
		if entry.userID == userID {
			delete(s.resets, hash)
		}
	}
	return nil
}

// AppendAuditEvent records an audit event.
func (s *Store) AppendAuditEvent(_ context.Context, event *credstore.AuditEvent) error {
	if event == nil {
		return oops.Code("AUDIT_EVENT_NIL").Errorf("audit event cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *event)
	return nil
}

// AuditEvents returns a copy of the recorded audit events in insertion order.
func (s *Store) AuditEvents() []credstore.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]credstore.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

// PurgeExpired deletes expired refresh and reset tokens.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (credstore.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res credstore.PurgeResult
	for hash, entry := range s.refresh {
		if !now.Before(entry.expiresAt) {
			delete(s.refresh, hash)
			res.RefreshTokens++
		}
	}
	for hash, entry := range s.resets {
		if !now.Before(entry.expiresAt) {
			delete(s.resets, hash)
			res.ResetTokens++
		}
	}
	return res, nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op; memory is reclaimed with the process.
func (s *Store) Close() {}

// Compile-time interface check.
var _ credstore.Store = (*Store)(nil)
