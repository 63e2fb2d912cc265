// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/identity"
	"github.com/keypass/keypass/internal/observability"
)

// Token type discriminators carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Token lifetimes used when TokenConfig leaves them zero.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// MinSecretBytes is the shortest accepted signing secret.
const MinSecretBytes = 32

// Audit event types emitted by TokenService.
const (
	EventTokensIssued   = "auth.tokens_issued"
	EventTokenRotated   = "auth.token_rotated"
	EventLogout         = "auth.logout"
	EventSessionsRevoke = "auth.sessions_revoked"
)

// TokenConfig holds signing material and lifetimes.
type TokenConfig struct {
	Issuer        string
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Validate checks secrets and fills zero TTLs with defaults.
func (c *TokenConfig) Validate() error {
	if c.Issuer == "" {
		return oops.Code("TOKEN_CONFIG_INVALID").With("field", "issuer").Wrap(ErrInvalidConfig)
	}
	if len(c.AccessSecret) < MinSecretBytes {
		return oops.Code("TOKEN_CONFIG_INVALID").With("field", "access_secret").With("min_bytes", MinSecretBytes).Wrap(ErrInvalidConfig)
	}
	if len(c.RefreshSecret) < MinSecretBytes {
		return oops.Code("TOKEN_CONFIG_INVALID").With("field", "refresh_secret").With("min_bytes", MinSecretBytes).Wrap(ErrInvalidConfig)
	}
	if string(c.AccessSecret) == string(c.RefreshSecret) {
		return oops.Code("TOKEN_CONFIG_INVALID").With("field", "refresh_secret").With("reason", "secrets must differ").Wrap(ErrInvalidConfig)
	}
	if c.AccessTTL < 0 || c.RefreshTTL < 0 {
		return oops.Code("TOKEN_CONFIG_INVALID").With("field", "ttl").Wrap(ErrInvalidConfig)
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	return nil
}

// TokenPair is an access/refresh credential pair. Only the refresh token's
// registration is persisted.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email string        `json:"email"`
	Role  identity.Role `json:"role"`
	OrgID string        `json:"org"`
	Type  string        `json:"typ"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *AccessClaims) UserID() (ulid.ULID, error) {
	return ulid.Parse(c.Subject)
}

// RefreshClaims is the payload of a refresh token.
type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *RefreshClaims) UserID() (ulid.ULID, error) {
	return ulid.Parse(c.Subject)
}

// TokenService issues, rotates and revokes session credentials.
type TokenService struct {
	cfg    TokenConfig
	store  credstore.RefreshTokenStore
	users  identity.Repository
	opts   options
	parser *jwt.Parser
}

// NewTokenService validates cfg and creates the service.
func NewTokenService(cfg TokenConfig, store credstore.RefreshTokenStore, users identity.Repository, opts ...Option) (*TokenService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || users == nil {
		return nil, oops.Code("TOKEN_SERVICE_INVALID").Errorf("store and user repository are required")
	}
	o := newOptions(opts)
	return &TokenService{
		cfg:   cfg,
		store: store,
		users: users,
		opts:  o,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(o.clock),
		),
	}, nil
}

// IssueTokens builds a new pair for user and registers the refresh token.
func (s *TokenService) IssueTokens(ctx context.Context, user *identity.User) (*TokenPair, error) {
	ctx, span := s.opts.tracer.Start(ctx, "auth.IssueTokens")
	defer span.End()

	if user == nil {
		return nil, fail(span, oops.Code("TOKEN_ISSUE_FAILED").With("reason", "nil user").Wrap(ErrInvalidToken))
	}
	span.SetAttributes(attribute.String("user_id", user.ID.String()))

	pair, err := s.issue(ctx, user)
	if err != nil {
		return nil, fail(span, err)
	}

	s.opts.metrics.IncTokensIssued()
	s.opts.recorder.Record(ctx, audit.Event{
		Type:    EventTokensIssued,
		ActorID: user.ID.String(),
		OrgID:   user.OrgID.String(),
		Subject: user.ID.String(),
		Outcome: audit.OutcomeSuccess,
	})
	return pair, nil
}

func (s *TokenService) issue(ctx context.Context, user *identity.User) (*TokenPair, error) {
	now := s.opts.clock()

	access := AccessClaims{
		Email: user.Email,
		Role:  user.Role,
		OrgID: user.OrgID.String(),
		Type:  TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			ID:        ulid.Make().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(s.cfg.AccessSecret)
	if err != nil {
		return nil, oops.Code("TOKEN_SIGN_FAILED").With("typ", TypeAccess).Wrap(err)
	}

	refresh := RefreshClaims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			ID:        ulid.Make().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTTL)),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(s.cfg.RefreshSecret)
	if err != nil {
		return nil, oops.Code("TOKEN_SIGN_FAILED").With("typ", TypeRefresh).Wrap(err)
	}

	refreshExpiry := refresh.ExpiresAt.Time
	if err := s.store.PutRefreshToken(ctx, credstore.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return nil, oops.Code("TOKEN_ISSUE_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  access.ExpiresAt.Time,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// RotateRefreshToken exchanges a registered refresh token for a new pair.
// The old token is consumed; presenting it again returns ErrInvalidToken.
func (s *TokenService) RotateRefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	ctx, span := s.opts.tracer.Start(ctx, "auth.RotateRefreshToken")
	defer span.End()

	pair, user, err := s.rotate(ctx, refreshToken)
	if err != nil {
		s.opts.metrics.IncTokenRotation(observability.ResultFailure)
		s.opts.recorder.Record(ctx, audit.Event{
			Type:    EventTokenRotated,
			Outcome: audit.OutcomeFailure,
			Fields:  map[string]any{"reason": errorReason(err)},
		})
		return nil, fail(span, err)
	}

	s.opts.metrics.IncTokenRotation(observability.ResultSuccess)
	s.opts.metrics.IncTokensIssued()
	s.opts.recorder.Record(ctx, audit.Event{
		Type:    EventTokenRotated,
		ActorID: user.ID.String(),
		OrgID:   user.OrgID.String(),
		Subject: user.ID.String(),
		Outcome: audit.OutcomeSuccess,
	})
	return pair, nil
}

func (s *TokenService) rotate(ctx context.Context, refreshToken string) (*TokenPair, *identity.User, error) {
	claims, err := s.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, nil, err
	}
	subject, err := claims.UserID()
	if err != nil {
		return nil, nil, oops.Code("TOKEN_INVALID").With("claim", "sub").Wrap(ErrInvalidToken)
	}

	owner, ok, err := s.store.ConsumeRefreshToken(ctx, credstore.HashToken(refreshToken))
	if err != nil {
		return nil, nil, oops.Code("TOKEN_ROTATE_FAILED").With("user_id", subject.String()).Wrap(err)
	}
	if !ok {
		slog.WarnContext(ctx, "refresh token not registered", "user_id", subject.String(), "jti", claims.ID)
		return nil, nil, oops.Code("TOKEN_NOT_REGISTERED").With("user_id", subject.String()).Wrap(ErrInvalidToken)
	}
	if owner != subject {
		return nil, nil, oops.Code("TOKEN_OWNER_MISMATCH").With("user_id", subject.String()).Wrap(ErrInvalidToken)
	}

	user, err := s.users.GetByID(ctx, owner)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, nil, oops.Code("TOKEN_USER_GONE").With("user_id", owner.String()).Wrap(ErrInvalidToken)
		}
		return nil, nil, oops.Code("TOKEN_ROTATE_FAILED").With("user_id", owner.String()).Wrap(err)
	}

	pair, err := s.issue(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Logout unregisters one refresh token. Unknown tokens are not an error.
func (s *TokenService) Logout(ctx context.Context, refreshToken string) error {
	ctx, span := s.opts.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	if err := s.store.DeleteRefreshToken(ctx, credstore.HashToken(refreshToken)); err != nil {
		return fail(span, oops.Code("TOKEN_LOGOUT_FAILED").Wrap(err))
	}

	ev := audit.Event{Type: EventLogout, Outcome: audit.OutcomeSuccess}
	if claims, err := s.ValidateRefreshToken(refreshToken); err == nil {
		ev.ActorID = claims.Subject
		ev.Subject = claims.Subject
	}
	s.opts.recorder.Record(ctx, ev)
	return nil
}

// RevokeAllForUser unregisters every refresh token issued to userID.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID ulid.ULID) error {
	ctx, span := s.opts.tracer.Start(ctx, "auth.RevokeAllForUser",
		trace.WithAttributes(attribute.String("user_id", userID.String())))
	defer span.End()

	if err := s.store.DeleteAllRefreshTokensForUser(ctx, userID); err != nil {
		return fail(span, oops.Code("TOKEN_REVOKE_FAILED").With("user_id", userID.String()).Wrap(err))
	}
	s.opts.recorder.Record(ctx, audit.Event{
		Type:    EventSessionsRevoke,
		Subject: userID.String(),
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// ValidateAccessToken verifies an access token without touching the store.
func (s *TokenService) ValidateAccessToken(token string) (*AccessClaims, error) {
	var claims AccessClaims
	if _, err := s.parser.ParseWithClaims(token, &claims, s.keyFunc(s.cfg.AccessSecret)); err != nil {
		return nil, parseError(err)
	}
	if claims.Type != TypeAccess {
		return nil, oops.Code("TOKEN_WRONG_TYPE").With("typ", claims.Type).Wrap(ErrInvalidToken)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, oops.Code("TOKEN_INVALID").With("claim", "sub").Wrap(ErrInvalidToken)
	}
	if _, err := ulid.Parse(claims.OrgID); err != nil {
		return nil, oops.Code("TOKEN_INVALID").With("claim", "org").Wrap(ErrInvalidToken)
	}
	return &claims, nil
}

// ValidateRefreshToken verifies a refresh token's signature, expiry and type.
// It does not check registration; RotateRefreshToken does.
func (s *TokenService) ValidateRefreshToken(token string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if _, err := s.parser.ParseWithClaims(token, &claims, s.keyFunc(s.cfg.RefreshSecret)); err != nil {
		return nil, parseError(err)
	}
	if claims.Type != TypeRefresh {
		return nil, oops.Code("TOKEN_WRONG_TYPE").With("typ", claims.Type).Wrap(ErrInvalidToken)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, oops.Code("TOKEN_INVALID").With("claim", "sub").Wrap(ErrInvalidToken)
	}
	return &claims, nil
}

func (s *TokenService) keyFunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) {
		return secret, nil
	}
}

// parseError maps jwt errors onto the package sentinels. Signature failures
// are checked before expiry because the parser verifies signatures first.
func parseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return oops.Code("TOKEN_MALFORMED").Wrap(ErrTokenMalformed)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return oops.Code("TOKEN_SIGNATURE_INVALID").Wrap(ErrSignatureInvalid)
	case errors.Is(err, jwt.ErrTokenExpired):
		return oops.Code("TOKEN_EXPIRED").Wrap(ErrTokenExpired)
	default:
		return oops.Code("TOKEN_INVALID").With("reason", err.Error()).Wrap(ErrInvalidToken)
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
