// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"

	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/credstore/memory"
)

// recordingWriter records writes; it can fail, panic or block on demand.
type recordingWriter struct {
	mu      sync.Mutex
	events  []credstore.AuditEvent
	fail    bool
	panicOn string
	block   chan struct{}
	started chan struct{}
}

func (w *recordingWriter) AppendAuditEvent(_ context.Context, ev *credstore.AuditEvent) error {
	if w.started != nil {
		select {
		case w.started <- struct{}{}:
		default:
		}
	}
	if w.block != nil {
		<-w.block
	}
	if w.panicOn != "" && ev.Type == w.panicOn {
		panic("writer exploded")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	w.events = append(w.events, *ev)
	return nil
}

func (w *recordingWriter) written() []credstore.AuditEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]credstore.AuditEvent{}, w.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSink_WritesQueuedEventsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &recordingWriter{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewSink(w, WithClock(func() time.Time { return now }))

	for _, typ := range []string{"code.claimed", "token.rotated", "reset.consumed"} {
		s.Record(context.Background(), Event{Type: typ, Outcome: OutcomeSuccess, Subject: "s"})
	}
	s.Close()

	got := w.written()
	require.Len(t, got, 3)
	assert.Equal(t, "code.claimed", got[0].Type)
	assert.Equal(t, now, got[0].OccurredAt)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestSink_WriterFailureIsAbsorbed(t *testing.T) {
	defer goleak.VerifyNone(t)

	before := testutil.ToFloat64(failuresCounter.WithLabelValues("unknown"))
	w := &recordingWriter{fail: true}
	s := NewSink(w, WithLogger(quietLogger()))

	assert.NotPanics(t, func() {
		s.Record(context.Background(), Event{Type: "code.claimed", Outcome: OutcomeFailure})
	})
	s.Close()

	assert.Empty(t, w.written())
	assert.Equal(t, before+1, testutil.ToFloat64(failuresCounter.WithLabelValues("unknown")))
}

func TestSink_WriterPanicDoesNotStopConsumer(t *testing.T) {
	defer goleak.VerifyNone(t)

	before := testutil.ToFloat64(failuresCounter.WithLabelValues("panic"))
	w := &recordingWriter{panicOn: "boom"}
	s := NewSink(w, WithLogger(quietLogger()))

	s.Record(context.Background(), Event{Type: "boom"})
	s.Record(context.Background(), Event{Type: "after"})
	s.Close()

	got := w.written()
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].Type)
	assert.Equal(t, before+1, testutil.ToFloat64(failuresCounter.WithLabelValues("panic")))
}

func TestSink_FullQueueDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	before := testutil.ToFloat64(droppedCounter.WithLabelValues("queue_full"))
	w := &recordingWriter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewSink(w, WithQueueSize(1))

	s.Record(context.Background(), Event{Type: "first"})
	<-w.started // consumer holds "first" inside the writer

	s.Record(context.Background(), Event{Type: "second"}) // fills the queue
	s.Record(context.Background(), Event{Type: "third"})  // dropped

	close(w.block)
	s.Close()

	got := w.written()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Type)
	assert.Equal(t, "second", got[1].Type)
	assert.Equal(t, before+1, testutil.ToFloat64(droppedCounter.WithLabelValues("queue_full")))
}

func TestSink_RecordAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &recordingWriter{}
	s := NewSink(w)
	s.Close()
	s.Close()

	s.Record(context.Background(), Event{Type: "late"})
	assert.Empty(t, w.written())
}

func TestSink_ConcurrentRecordAndCloseAccountsForEveryEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	closedBefore := testutil.ToFloat64(droppedCounter.WithLabelValues("closed"))
	fullBefore := testutil.ToFloat64(droppedCounter.WithLabelValues("queue_full"))

	const (
		writers   = 16
		perWriter = 200
	)
	w := &recordingWriter{}
	s := NewSink(w, WithQueueSize(writers*perWriter))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range perWriter {
				s.Record(context.Background(), Event{Type: "code.claimed"})
			}
		}()
	}
	close(start)
	s.Close()
	wg.Wait()

	dropped := testutil.ToFloat64(droppedCounter.WithLabelValues("closed")) - closedBefore +
		testutil.ToFloat64(droppedCounter.WithLabelValues("queue_full")) - fullBefore
	assert.Equal(t, float64(writers*perWriter), float64(len(w.written()))+dropped)
}

func TestSink_AddsTraceID(t *testing.T) {
	defer goleak.VerifyNone(t)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	w := &recordingWriter{}
	s := NewSink(w)
	fields := map[string]any{"ip": "192.0.2.1"}
	s.Record(ctx, Event{Type: "token.issued", Fields: fields})
	s.Close()

	got := w.written()
	require.Len(t, got, 1)
	assert.Equal(t, traceID.String(), got[0].Fields["trace_id"])
	assert.Equal(t, "192.0.2.1", got[0].Fields["ip"])
	assert.NotContains(t, fields, "trace_id", "caller's map must not be mutated")
}

func TestSink_WritesToMemoryStore(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memory.New()
	s := NewSink(store)
	s.Record(context.Background(), Event{Type: "code.revoked", ActorID: "admin", Outcome: OutcomeSuccess})
	s.Close()

	events := store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "admin", events[0].ActorID)
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Record(context.Background(), Event{Type: "anything"})
	})
}
