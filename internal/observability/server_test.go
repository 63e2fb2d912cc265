// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, checker ReadinessChecker) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", checker)
	_, err := server.Start()
	require.NoError(t, err, "failed to start server")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	server := startServer(t, nil)

	m := server.Metrics()
	m.IncTokensIssued()
	m.IncTokenRotation(ResultSuccess)
	m.IncCodeClaim("already_claimed")
	m.IncPasswordReset("consumed")

	status, body := get(t, server, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	for _, want := range []string{
		"# HELP",
		"go_goroutines",
		"keypass_tokens_issued_total",
		`keypass_token_rotations_total{result="success"}`,
		`keypass_code_claims_total{result="already_claimed"}`,
		`keypass_password_resets_total{result="consumed"}`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestServer_Registerer(t *testing.T) {
	server := startServer(t, nil)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "keypass_test_gauge", Help: "test"})
	require.NoError(t, server.Registerer().Register(gauge))
	gauge.Set(3)

	_, body := get(t, server, "/metrics")
	assert.Contains(t, body, "keypass_test_gauge 3")
}

func TestServer_Liveness(t *testing.T) {
	server := startServer(t, func(context.Context) error { return errors.New("db down") })

	status, body := get(t, server, "/healthz/liveness")
	assert.Equal(t, http.StatusOK, status, "liveness ignores readiness")
	assert.Equal(t, "ok", strings.TrimSpace(body))
}

func TestServer_Readiness(t *testing.T) {
	tests := []struct {
		name    string
		checker ReadinessChecker
		want    int
	}{
		{"ready", func(context.Context) error { return nil }, http.StatusOK},
		{"not ready", func(context.Context) error { return errors.New("ping failed") }, http.StatusServiceUnavailable},
		{"nil checker", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.checker)
			status, _ := get(t, server, "/healthz/readiness")
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestServer_ReadinessCheckerGetsDeadline(t *testing.T) {
	var hadDeadline bool
	server := startServer(t, func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})
	get(t, server, "/healthz/readiness")
	assert.True(t, hadDeadline)
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil)
	_, err := server.Start()
	require.Error(t, err)
}

func TestServer_StopWithoutStart(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	require.NoError(t, server.Stop(context.Background()))
	assert.Empty(t, server.Addr())
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	defer func() { _ = server.Stop(context.Background()) }()

	require.NoError(t, server.listener.Close())

	select {
	case serveErr := <-errCh:
		assert.Error(t, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for serve error")
	}
}

func TestServer_ErrorChannelClosesOnShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)

	require.NoError(t, server.Stop(context.Background()))

	select {
	case err, ok := <-errCh:
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error channel to close")
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncTokensIssued()
		m.IncTokenRotation(ResultFailure)
		m.IncCodeClaim(ResultSuccess)
		m.IncPasswordReset("requested")
	})
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncCodeClaim(ResultSuccess)
	m.IncCodeClaim(ResultSuccess)
	assert.InDelta(t, 2, testutil.ToFloat64(m.CodeClaims.WithLabelValues(ResultSuccess)), 0)
}
