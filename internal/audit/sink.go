// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"

	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/pkg/errutil"
)

// Defaults for NewSink.
const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record as produced by a service.
type Event struct {
	Type    string
	ActorID string
	OrgID   string
	Subject string
	Outcome string
	Fields  map[string]any
}

// Recorder accepts audit events. Implementations must not block on I/O and
// have no way to report failure.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Writer persists audit events. credstore.Store satisfies it.
type Writer interface {
	AppendAuditEvent(ctx context.Context, event *credstore.AuditEvent) error
}

var (
	droppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keypass_audit_dropped_total",
		Help: "Audit events dropped before reaching the writer",
	}, []string{"reason"})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keypass_audit_failures_total",
		Help: "Audit writes that failed",
	}, []string{"reason"})
)

// Option configures a Sink.
type Option func(*Sink)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(clock credstore.Clock) Option {
	return func(s *Sink) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sink is the asynchronous Recorder backed by a Writer.
type Sink struct {
	writer       Writer
	clock        credstore.Clock
	logger       *slog.Logger
	queueSize    int
	writeTimeout time.Duration

	queue    chan credstore.AuditEvent
	stopChan chan struct{}
	wg       sync.WaitGroup

	// mu orders enqueues against Close so nothing lands after the drain.
	mu     sync.RWMutex
	closed bool
}

// NewSink starts the consumer goroutine. Call Close to drain and stop it.
func NewSink(writer Writer, opts ...Option) *Sink {
	s := &Sink{
		writer:       writer,
		clock:        credstore.SystemClock,
		logger:       slog.Default(),
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan credstore.AuditEvent, s.queueSize)

	s.wg.Add(1)
	go s.consume()
	return s
}

// Record enqueues event. It never blocks and never fails.
func (s *Sink) Record(ctx context.Context, event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		droppedCounter.WithLabelValues("closed").Inc()
		return
	}

	rec := credstore.AuditEvent{
		ID:         ulid.Make(),
		Type:       event.Type,
		ActorID:    event.ActorID,
		OrgID:      event.OrgID,
		Subject:    event.Subject,
		Outcome:    event.Outcome,
		Fields:     withTrace(ctx, event.Fields),
		OccurredAt: s.clock(),
	}

	select {
	case s.queue <- rec:
	default:
		droppedCounter.WithLabelValues("queue_full").Inc()
	}
}

// Close stops accepting events, writes everything already queued and waits
// for the consumer to exit. Safe to call more than once.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sink) consume() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.write(ev)
		case <-s.stopChan:
			s.drain()
			return
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case ev := <-s.queue:
			s.write(ev)
		default:
			return
		}
	}
}

func (s *Sink) write(ev credstore.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			failuresCounter.WithLabelValues("panic").Inc()
			errutil.LogError(s.logger, "audit writer panicked",
				oops.Code("AUDIT_WRITER_PANIC").
					With("type", ev.Type).
					Errorf("%v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.writer.AppendAuditEvent(ctx, &ev); err != nil {
		failuresCounter.WithLabelValues(string(errutil.KindOf(err))).Inc()
		errutil.LogError(s.logger, "audit write failed",
			oops.Code("AUDIT_WRITE_FAILED").
				With("type", ev.Type).
				With("subject", ev.Subject).
				Wrap(err))
	}
}

func withTrace(ctx context.Context, fields map[string]any) map[string]any {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = sc.TraceID().String()
	return out
}

type nop struct{}

func (nop) Record(context.Context, Event) {}

// Nop returns a Recorder that discards every event.
func Nop() Recorder { return nop{} }

