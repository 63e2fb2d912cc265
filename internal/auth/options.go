// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package auth

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/observability"
	"github.com/keypass/keypass/internal/ratelimit"
)

const tracerName = "github.com/keypass/keypass/internal/auth"

// RateLimit is a fixed-window budget for one operation.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Default budgets applied when a limiter is configured.
var (
	DefaultLoginLimit = RateLimit{Max: 5, Window: 15 * time.Minute}
	DefaultResetLimit = RateLimit{Max: 3, Window: time.Hour}
)

// Option configures the services in this package.
type Option func(*options)

type options struct {
	clock      credstore.Clock
	metrics    *observability.Metrics
	recorder   audit.Recorder
	limiter    *ratelimit.Limiter
	loginLimit RateLimit
	resetLimit RateLimit
	tracer     trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{
		clock:      credstore.SystemClock,
		recorder:   audit.Nop(),
		loginLimit: DefaultLoginLimit,
		resetLimit: DefaultResetLimit,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the time source for issuing and validating credentials.
func WithClock(clock credstore.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuditRecorder sets where audit events go. Defaults to audit.Nop.
func WithAuditRecorder(r audit.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithRateLimiter guards login and reset requests with l. Zero-valued limits
// keep the defaults.
func WithRateLimiter(l *ratelimit.Limiter, login, reset RateLimit) Option {
	return func(o *options) {
		o.limiter = l
		if login.Max > 0 && login.Window > 0 {
			o.loginLimit = login
		}
		if reset.Max > 0 && reset.Window > 0 {
			o.resetLimit = reset
		}
	}
}

func (o *options) checkLimit(limit RateLimit, parts ...string) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Check(ratelimit.Key(parts...), limit.Max, limit.Window)
}
