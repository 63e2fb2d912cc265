// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/auth"
	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/keypass"
	"github.com/keypass/keypass/internal/observability"
	"github.com/keypass/keypass/internal/ratelimit"
)

// shutdownTimeout bounds graceful shutdown of the observability server.
const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the credential services",
		Long: `Open the credential store, build the token, access code and password
reset services, expose metrics and health endpoints and purge expired
tokens in the background until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, deps)
		},
	}
}

// services are the credential services sharing one store, audit sink and
// rate limiter.
type services struct {
	Tokens *auth.TokenService
	Resets *auth.PasswordResetService
	Login  *auth.Authenticator
	Codes  *keypass.Service
}

// names lists the services that were built.
func (s *services) names() []string {
	var out []string
	if s.Tokens != nil {
		out = append(out, "tokens")
	}
	if s.Resets != nil {
		out = append(out, "password_reset")
	}
	if s.Login != nil {
		out = append(out, "login")
	}
	if s.Codes != nil {
		out = append(out, "access_codes")
	}
	return out
}

// buildServices wires the credential services over one backend. serve only
// holds them for an embedding route layer; keypass exposes no request API.
func buildServices(
	cfg *config.Config,
	b *backend.Backend,
	metrics *observability.Metrics,
	recorder audit.Recorder,
	limiter *ratelimit.Limiter,
) (*services, error) {
	opts := []auth.Option{
		auth.WithMetrics(metrics),
		auth.WithAuditRecorder(recorder),
		auth.WithRateLimiter(limiter, cfg.LoginLimit(), cfg.ResetLimit()),
	}

	tokens, err := auth.NewTokenService(cfg.TokenConfig(), b.Store, b.Users, opts...)
	if err != nil {
		return nil, oops.Code("SERVICE_INIT_FAILED").With("service", "tokens").Wrap(err)
	}
	hasher := auth.NewArgon2idHasherWithParams(cfg.Argon2Params())

	return &services{
		Tokens: tokens,
		Resets: auth.NewPasswordResetService(b.Store, b.Users, hasher, opts...),
		Login:  auth.NewAuthenticator(b.Users, hasher, tokens, opts...),
		Codes: keypass.NewService(b.Store,
			keypass.WithMetrics(metrics),
			keypass.WithAuditRecorder(recorder),
		),
	}, nil
}

func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "validate configuration").Wrap(err)
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.InfoContext(ctx, "starting keypass", "version", version, "backend", cfg.Store.Backend)

	b, err := deps.openBackend(ctx, cfg.Store)
	if err != nil {
		return oops.Code("BACKEND_OPEN_FAILED").With("backend", cfg.Store.Backend).Wrap(err)
	}
	defer b.Close()

	var (
		obsServer ObservabilityServer
		metrics   *observability.Metrics
		registry  prometheus.Registerer
	)
	if cfg.Metrics.Addr != "" {
		obsServer = deps.newObservabilityServer(cfg.Metrics.Addr, b.Store.Ping)
		metrics = obsServer.Metrics()
		registry = obsServer.Registerer()
	}

	sink := audit.NewSink(b.Store,
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	)
	defer sink.Close()

	limiter := ratelimit.NewWithRegistry(ratelimit.Config{}, registry)
	defer limiter.Close()

	svc, err := buildServices(cfg, b, metrics, sink, limiter)
	if err != nil {
		return err
	}

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Metrics.Addr).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	go b.RunPurge(ctx, cfg.Store.PurgeInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	slog.InfoContext(ctx, "keypass ready",
		"backend", b.Kind,
		"issuer", cfg.Auth.Issuer,
		"metrics_addr", cfg.Metrics.Addr,
		"services", svc.names(),
	)
	cmd.Println("keypass ready")

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
