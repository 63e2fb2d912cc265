// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package ratelimit implements fixed-window request budgets held in process
// memory.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/keypass/keypass/pkg/errutil"
)

// Defaults for Config.
const (
	DefaultCleanupInterval = time.Minute
	DefaultMaxIdle         = time.Hour
)

// Config configures a Limiter.
type Config struct {
	// CleanupInterval is how often stale windows are dropped.
	CleanupInterval time.Duration

	// MaxIdle is how long a window may sit past its end before cleanup
	// removes it.
	MaxIdle time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type window struct {
	start time.Time
	size  time.Duration
	count int
}

// Limiter tracks one fixed window per key. It is safe for concurrent use.
//
// A background goroutine removes idle windows; call Close to stop it.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	clock   func() time.Time
	maxIdle time.Duration

	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	buckets   prometheus.Gauge
	rejection *prometheus.CounterVec
}

// New creates a Limiter without metrics.
func New(cfg Config) *Limiter {
	return newLimiter(cfg, nil)
}

// NewWithRegistry creates a Limiter and registers its metrics with reg.
func NewWithRegistry(cfg Config, reg prometheus.Registerer) *Limiter {
	return newLimiter(cfg, reg)
}

func newLimiter(cfg Config, reg prometheus.Registerer) *Limiter {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	l := &Limiter{
		windows:  make(map[string]*window),
		clock:    clock,
		maxIdle:  maxIdle,
		stopChan: make(chan struct{}),
	}

	if reg != nil {
		l.buckets = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keypass_ratelimit_buckets",
			Help: "Rate limit windows currently tracked",
		})
		l.rejection = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypass_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, by bucket",
		}, []string{"bucket"})
		reg.MustRegister(l.buckets, l.rejection)
	}

	l.wg.Add(1)
	go l.cleanupLoop(interval)
	return l
}

// Check admits one request against key's budget of limit per window.
//
// The first request in a window opens it with a count of one. Requests
// while the count is at limit fail with *errutil.RateLimitedError carrying the
// time left until the window closes. limit < 1 rejects everything.
func (l *Limiter) Check(key string, limit int, size time.Duration) error {
	if size <= 0 {
		return oops.Code("RATELIMIT_INVALID_WINDOW").
			With("key", key).
			Wrap(errutil.Define(errutil.ErrValidation, "window must be positive"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(w.size)) {
		w = &window{start: now, size: size}
		l.windows[key] = w
		if !ok && l.buckets != nil {
			l.buckets.Set(float64(len(l.windows)))
		}
	}

	if w.count >= limit {
		if l.rejection != nil {
			l.rejection.WithLabelValues(bucketOf(key)).Inc()
		}
		return &errutil.RateLimitedError{
			Key:        key,
			RetryAfter: w.start.Add(w.size).Sub(now),
		}
	}
	w.count++
	return nil
}

// Key joins parts into a bucket key, e.g. Key("login", email).
// The first part names the bucket for metrics.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func bucketOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Cleanup drops windows that closed more than MaxIdle ago.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for key, w := range l.windows {
		if now.Sub(w.start.Add(w.size)) > l.maxIdle {
			delete(l.windows, key)
		}
	}
	if l.buckets != nil {
		l.buckets.Set(float64(len(l.windows)))
	}
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Close stops the cleanup goroutine and waits for it. Safe to call twice.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}
