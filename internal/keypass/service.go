// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package keypass

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/observability"
	"github.com/keypass/keypass/pkg/errutil"
)

// Batch limits.
const (
	MaxBatchSize     = 1000
	DefaultCodeTTL   = 30 * 24 * time.Hour
	batchGenAttempts = 3
)

// Audit event types.
const (
	EventClaimed     = "keypass.claimed"
	EventBatchIssued = "keypass.batch_issued"
	EventRevoked     = "keypass.revoked"
	EventExpired     = "keypass.expired"
)

// Claim result labels for metrics and audit.
const (
	resultNotFound       = "not_found"
	resultExpired        = "expired"
	resultRevoked        = "revoked"
	resultAlreadyClaimed = "already_claimed"
	resultError          = "error"
)

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for claims and issuance.
func WithClock(clock credstore.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAuditRecorder sets where audit events go. Defaults to audit.Nop.
func WithAuditRecorder(r audit.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Service claims and administers access codes.
type Service struct {
	store    credstore.AccessCodeStore
	clock    credstore.Clock
	metrics  *observability.Metrics
	recorder audit.Recorder
	tracer   trace.Tracer
}

// NewService creates a Service over store.
func NewService(store credstore.AccessCodeStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    credstore.SystemClock,
		recorder: audit.Nop(),
		tracer:   otel.Tracer("github.com/keypass/keypass/internal/keypass"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Claim marks code as used by claimant. Exactly one of any number of
// concurrent claims succeeds. A losing claim returns, in order of precedence,
// ErrCodeNotFound, ErrCodeExpired, ErrCodeRevoked or ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, code string, claimant ulid.ULID) (*credstore.AccessCode, error) {
	ctx, span := s.tracer.Start(ctx, "keypass.Claim")
	defer span.End()

	code, err := ValidateCode(code)
	if err != nil {
		return nil, fail(span, err)
	}
	if claimant.Compare(ulid.ULID{}) == 0 {
		return nil, fail(span, oops.Code("CODE_CLAIMANT_INVALID").Wrap(ErrInvalidCode))
	}
	span.SetAttributes(attribute.String("code", code), attribute.String("claimant", claimant.String()))

	now := s.clock()
	ok, err := s.store.ClaimAccessCode(ctx, code, claimant, now)
	if err != nil {
		s.metrics.IncCodeClaim(resultError)
		return nil, fail(span, oops.Code("CODE_CLAIM_FAILED").With("code", code).Wrap(err))
	}

	if !ok {
		current, derr := s.diagnose(ctx, code, now)
		result := claimResult(derr)
		s.metrics.IncCodeClaim(result)
		ev := audit.Event{
			Type:    EventClaimed,
			ActorID: claimant.String(),
			Subject: code,
			Outcome: audit.OutcomeFailure,
			Fields:  map[string]any{"reason": result},
		}
		if current != nil {
			ev.OrgID = current.OrgID.String()
		}
		s.recorder.Record(ctx, ev)
		return nil, fail(span, derr)
	}

	s.metrics.IncCodeClaim(observability.ResultSuccess)
	claimed, err := s.store.GetAccessCode(ctx, code)
	if err != nil {
		errutil.LogErrorContext(ctx, nil, "claimed code reload failed", err)
		claimed = &credstore.AccessCode{Code: code, Status: credstore.CodeUsed, UsedAt: &now, UsedBy: &claimant}
	}
	s.recorder.Record(ctx, audit.Event{
		Type:    EventClaimed,
		ActorID: claimant.String(),
		OrgID:   claimed.OrgID.String(),
		Subject: code,
		Outcome: audit.OutcomeSuccess,
	})
	return claimed, nil
}

// diagnose explains a failed claim. It reads but never writes.
func (s *Service) diagnose(ctx context.Context, code string, now time.Time) (*credstore.AccessCode, error) {
	current, err := s.store.GetAccessCode(ctx, code)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, oops.Code("CODE_NOT_FOUND").With("code", code).Wrap(ErrCodeNotFound)
		}
		return nil, oops.Code("CODE_CLAIM_FAILED").With("code", code).Wrap(err)
	}

	switch {
	case current.Status == credstore.CodeExpired || current.ExpiredAt(now):
		return current, oops.Code("CODE_EXPIRED").
			With("code", code).
			With("expires_at", current.ExpiresAt).
			Wrap(ErrCodeExpired)
	case current.Status == credstore.CodeRevoked:
		return current, oops.Code("CODE_REVOKED").With("code", code).Wrap(ErrCodeRevoked)
	default:
		return current, oops.Code("CODE_ALREADY_CLAIMED").With("code", code).Wrap(ErrAlreadyClaimed)
	}
}

func claimResult(err error) string {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		return resultNotFound
	case errors.Is(err, ErrCodeExpired):
		return resultExpired
	case errors.Is(err, ErrCodeRevoked):
		return resultRevoked
	case errors.Is(err, ErrAlreadyClaimed):
		return resultAlreadyClaimed
	default:
		return resultError
	}
}

// IssueBatch creates count available codes for orgID, each PREFIX-XXXXXX and
// valid for ttl. A zero ttl means DefaultCodeTTL. The batch is stored
// all-or-nothing; a collision with an existing code regenerates the batch.
func (s *Service) IssueBatch(ctx context.Context, orgID ulid.ULID, prefix string, count int, ttl time.Duration) ([]*credstore.AccessCode, error) {
	ctx, span := s.tracer.Start(ctx, "keypass.IssueBatch",
		trace.WithAttributes(attribute.String("org_id", orgID.String()), attribute.Int("count", count)))
	defer span.End()

	if orgID.Compare(ulid.ULID{}) == 0 {
		return nil, fail(span, oops.Code("CODE_BATCH_INVALID").With("field", "org_id").Wrap(ErrInvalidBatch))
	}
	if count < 1 || count > MaxBatchSize {
		return nil, fail(span, oops.Code("CODE_BATCH_INVALID").
			With("field", "count").
			With("count", count).
			With("max", MaxBatchSize).
			Wrap(ErrInvalidBatch))
	}
	if ttl < 0 {
		return nil, fail(span, oops.Code("CODE_BATCH_INVALID").With("field", "ttl").Wrap(ErrInvalidBatch))
	}
	if ttl == 0 {
		ttl = DefaultCodeTTL
	}

	var lastErr error
	for attempt := 1; attempt <= batchGenAttempts; attempt++ {
		batch, err := s.generate(orgID, prefix, count, ttl)
		if err != nil {
			return nil, fail(span, err)
		}
		err = s.store.CreateAccessCodes(ctx, batch)
		if err == nil {
			s.recorder.Record(ctx, audit.Event{
				Type:    EventBatchIssued,
				OrgID:   orgID.String(),
				Subject: NormalizeCode(prefix),
				Outcome: audit.OutcomeSuccess,
				Fields:  map[string]any{"count": count, "expires_at": batch[0].ExpiresAt},
			})
			return batch, nil
		}
		if !errors.Is(err, credstore.ErrDuplicate) {
			return nil, fail(span, oops.Code("CODE_BATCH_FAILED").With("org_id", orgID.String()).Wrap(err))
		}
		lastErr = err
	}
	return nil, fail(span, oops.Code("CODE_BATCH_FAILED").
		With("org_id", orgID.String()).
		With("attempts", batchGenAttempts).
		Wrap(lastErr))
}

func (s *Service) generate(orgID ulid.ULID, prefix string, count int, ttl time.Duration) ([]*credstore.AccessCode, error) {
	now := s.clock()
	seen := make(map[string]struct{}, count)
	batch := make([]*credstore.AccessCode, 0, count)
	for len(batch) < count {
		code, err := GenerateCode(prefix)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		batch = append(batch, &credstore.AccessCode{
			Code:      code,
			OrgID:     orgID,
			Status:    credstore.CodeAvailable,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
	}
	return batch, nil
}

// Revoke moves an available code to revoked.
func (s *Service) Revoke(ctx context.Context, code string) (*credstore.AccessCode, error) {
	return s.transition(ctx, code, "keypass.Revoke", EventRevoked, s.store.RevokeAccessCode)
}

// Expire moves an available code to expired ahead of its expiry time.
func (s *Service) Expire(ctx context.Context, code string) (*credstore.AccessCode, error) {
	return s.transition(ctx, code, "keypass.Expire", EventExpired, s.store.ExpireAccessCode)
}

type transitionFunc func(ctx context.Context, code string, now time.Time) (bool, error)

func (s *Service) transition(ctx context.Context, code, spanName, eventType string, apply transitionFunc) (*credstore.AccessCode, error) {
	ctx, span := s.tracer.Start(ctx, spanName)
	defer span.End()

	code, err := ValidateCode(code)
	if err != nil {
		return nil, fail(span, err)
	}

	ok, err := apply(ctx, code, s.clock())
	if err != nil {
		return nil, fail(span, oops.Code("CODE_TRANSITION_FAILED").With("code", code).Wrap(err))
	}

	current, err := s.Get(ctx, code)
	if err != nil {
		return nil, fail(span, err)
	}
	if !ok {
		return nil, fail(span, oops.Code("CODE_NOT_AVAILABLE").
			With("code", code).
			With("status", string(current.Status)).
			Wrap(ErrNotAvailable))
	}

	s.recorder.Record(ctx, audit.Event{
		Type:    eventType,
		OrgID:   current.OrgID.String(),
		Subject: code,
		Outcome: audit.OutcomeSuccess,
	})
	return current, nil
}

// Get returns the stored code.
func (s *Service) Get(ctx context.Context, code string) (*credstore.AccessCode, error) {
	code, err := ValidateCode(code)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetAccessCode(ctx, code)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, oops.Code("CODE_NOT_FOUND").With("code", code).Wrap(ErrCodeNotFound)
		}
		return nil, oops.Code("CODE_GET_FAILED").With("code", code).Wrap(err)
	}
	return c, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
