// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/identity"
	"github.com/keypass/keypass/internal/observability"
)

// Audit event types emitted by PasswordResetService.
const (
	EventResetRequested = "auth.reset_requested"
	EventResetConsumed  = "auth.reset_consumed"
)

// ResetStore is the part of credstore.Store used by password resets.
type ResetStore interface {
	credstore.ResetTokenStore
	DeleteAllRefreshTokensForUser(ctx context.Context, userID ulid.ULID) error
}

// PasswordResetService issues and consumes single-use reset tokens.
type PasswordResetService struct {
	store  ResetStore
	users  identity.Repository
	hasher PasswordHasher
	opts   options
}

// NewPasswordResetService creates a new PasswordResetService.
func NewPasswordResetService(
	store ResetStore,
	users identity.Repository,
	hasher PasswordHasher,
	opts ...Option,
) *PasswordResetService {
	return &PasswordResetService{
		store:  store,
		users:  users,
		hasher: hasher,
		opts:   newOptions(opts),
	}
}

// RequestReset stores a new reset token for userID and returns the plaintext
// for out-of-band delivery.
func (s *PasswordResetService) RequestReset(ctx context.Context, userID ulid.ULID) (string, error) {
	ctx, span := s.opts.tracer.Start(ctx, "auth.RequestReset")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID.String()))

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", fail(span, oops.Code("RESET_REQUEST_FAILED").With("user_id", userID.String()).Wrap(err))
	}

	token, err := s.issue(ctx, user)
	if err != nil {
		return "", fail(span, err)
	}
	return token, nil
}

// RequestResetByEmail looks the user up by email. Unknown addresses return an
// empty token and no error so callers cannot enumerate accounts.
func (s *PasswordResetService) RequestResetByEmail(ctx context.Context, email string) (string, error) {
	ctx, span := s.opts.tracer.Start(ctx, "auth.RequestResetByEmail")
	defer span.End()

	email = identity.NormalizeEmail(email)
	if err := s.opts.checkLimit(s.opts.resetLimit, "reset", email); err != nil {
		return "", fail(span, oops.Code("RESET_RATE_LIMITED").Wrap(err))
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return "", nil
		}
		return "", fail(span, oops.Code("RESET_REQUEST_FAILED").Wrap(err))
	}

	token, err := s.issue(ctx, user)
	if err != nil {
		return "", fail(span, err)
	}
	return token, nil
}

func (s *PasswordResetService) issue(ctx context.Context, user *identity.User) (string, error) {
	token, err := GenerateResetToken()
	if err != nil {
		return "", err
	}
	if err := s.store.PutResetToken(ctx, credstore.HashToken(token), user.ID, ResetTokenExpiry); err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}

	s.opts.metrics.IncPasswordReset(observability.ResultRequested)
	s.opts.recorder.Record(ctx, audit.Event{
		Type:    EventResetRequested,
		OrgID:   user.OrgID.String(),
		Subject: user.ID.String(),
		Outcome: audit.OutcomeSuccess,
	})
	return token, nil
}

// ValidateToken returns the user bound to a live reset token. Empty, unknown
// and expired tokens all return ErrResetInvalidOrExpired.
func (s *PasswordResetService) ValidateToken(ctx context.Context, token string) (ulid.ULID, error) {
	if token == "" {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrap(ErrResetInvalidOrExpired)
	}
	userID, ok, err := s.store.GetResetUserID(ctx, credstore.HashToken(token))
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_VALIDATE_FAILED").Wrap(err)
	}
	if !ok {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrap(ErrResetInvalidOrExpired)
	}
	return userID, nil
}

// ConsumeReset replaces the user's password hash, deletes the user's reset
// tokens and revokes every refresh token the user holds. Of concurrent calls
// with the same token at most one succeeds. A missing user is reported
// exactly like a missing token.
func (s *PasswordResetService) ConsumeReset(ctx context.Context, token, newPasswordHash string) error {
	ctx, span := s.opts.tracer.Start(ctx, "auth.ConsumeReset")
	defer span.End()

	userID, err := s.consume(ctx, token, newPasswordHash)
	if err != nil {
		s.opts.metrics.IncPasswordReset(observability.ResultFailure)
		s.opts.recorder.Record(ctx, audit.Event{
			Type:    EventResetConsumed,
			Outcome: audit.OutcomeFailure,
		})
		return fail(span, err)
	}

	s.opts.metrics.IncPasswordReset(observability.ResultSuccess)
	s.opts.recorder.Record(ctx, audit.Event{
		Type:    EventResetConsumed,
		ActorID: userID.String(),
		Subject: userID.String(),
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

func (s *PasswordResetService) consume(ctx context.Context, token, newPasswordHash string) (ulid.ULID, error) {
	if newPasswordHash == "" {
		return ulid.ULID{}, oops.Code("RESET_PASSWORD_EMPTY").Wrap(ErrEmptyPassword)
	}
	if token == "" {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrap(ErrResetInvalidOrExpired)
	}

	// Single use: the token is removed before the password changes.
	userID, ok, err := s.store.ConsumeResetToken(ctx, credstore.HashToken(token))
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "ConsumeResetToken").
			Wrap(err)
	}
	if !ok {
		return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrap(ErrResetInvalidOrExpired)
	}

	if err := s.users.UpdatePasswordHash(ctx, userID, newPasswordHash); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return ulid.ULID{}, oops.Code("RESET_TOKEN_INVALID").Wrap(ErrResetInvalidOrExpired)
		}
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "UpdatePasswordHash").
			With("user_id", userID.String()).
			Wrap(err)
	}

	if err := s.store.DeleteResetTokensForUser(ctx, userID); err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "DeleteResetTokensForUser").
			With("user_id", userID.String()).
			Wrap(err)
	}
	if err := s.store.DeleteAllRefreshTokensForUser(ctx, userID); err != nil {
		return ulid.ULID{}, oops.Code("RESET_CONSUME_FAILED").
			With("operation", "DeleteAllRefreshTokensForUser").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return userID, nil
}

// ResetPassword hashes newPassword and consumes the token.
func (s *PasswordResetService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if newPassword == "" {
		return oops.Code("RESET_PASSWORD_EMPTY").Wrap(ErrEmptyPassword)
	}
	if _, err := s.ValidateToken(ctx, token); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "Hash").Wrap(err)
	}
	return s.ConsumeReset(ctx, token, hash)
}
