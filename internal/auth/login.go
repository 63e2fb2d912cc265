// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/identity"
	"github.com/keypass/keypass/pkg/errutil"
)

// EventLogin is the audit event type for login attempts.
const EventLogin = "auth.login"

// dummyPasswordHash is verified when the email is unknown so both paths cost
// one argon2id evaluation. It matches no password.
//
//nolint:gosec // G101: not a credential
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Authenticator checks email/password credentials and issues session tokens.
type Authenticator struct {
	users  identity.Repository
	hasher PasswordHasher
	tokens *TokenService
	opts   options
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(users identity.Repository, hasher PasswordHasher, tokens *TokenService, opts ...Option) *Authenticator {
	return &Authenticator{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		opts:   newOptions(opts),
	}
}

// Login verifies credentials and returns a new pair. Unknown email and wrong
// password both return ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	ctx, span := a.opts.tracer.Start(ctx, "auth.Login")
	defer span.End()

	email = identity.NormalizeEmail(email)
	if err := a.opts.checkLimit(a.opts.loginLimit, "login", email); err != nil {
		a.record(ctx, nil, audit.OutcomeFailure, "rate_limited")
		return nil, fail(span, oops.Code("AUTH_RATE_LIMITED").Wrap(err))
	}

	user, err := a.users.GetByEmail(ctx, email)
	target := dummyPasswordHash
	switch {
	case err == nil:
		target = user.PasswordHash
	case errors.Is(err, identity.ErrUserNotFound):
		user = nil
	default:
		return nil, fail(span, oops.Code("AUTH_LOGIN_FAILED").With("operation", "GetByEmail").Wrap(err))
	}

	valid, verifyErr := a.hasher.Verify(password, target)
	if user == nil || verifyErr != nil || !valid {
		if verifyErr != nil && user != nil {
			errutil.LogErrorContext(ctx, nil, "stored password hash unreadable", verifyErr)
		}
		a.record(ctx, user, audit.OutcomeFailure, "invalid_credentials")
		return nil, fail(span, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials))
	}

	if a.hasher.NeedsUpgrade(user.PasswordHash) {
		a.rehash(ctx, user, password)
	}

	pair, err := a.tokens.IssueTokens(ctx, user)
	if err != nil {
		return nil, fail(span, err)
	}
	a.record(ctx, user, audit.OutcomeSuccess, "")
	return pair, nil
}

// rehash stores a hash with the current parameters. Failure does not fail
// the login.
func (a *Authenticator) rehash(ctx context.Context, user *identity.User, password string) {
	hash, err := a.hasher.Hash(password)
	if err == nil {
		err = a.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		errutil.LogErrorContext(ctx, nil, "password rehash failed", err)
	}
}

func (a *Authenticator) record(ctx context.Context, user *identity.User, outcome, reason string) {
	ev := audit.Event{Type: EventLogin, Outcome: outcome}
	if user != nil {
		ev.ActorID = user.ID.String()
		ev.OrgID = user.OrgID.String()
		ev.Subject = user.ID.String()
	}
	if reason != "" {
		ev.Fields = map[string]any{"reason": reason}
	}
	a.opts.recorder.Record(ctx, ev)
}
