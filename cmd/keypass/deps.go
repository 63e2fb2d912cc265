// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/observability"
	"github.com/keypass/keypass/internal/store"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// BackendOpener opens the credential store.
	// Default: backend.Open
	BackendOpener func(ctx context.Context, cfg config.StoreConfig) (*backend.Backend, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// MigratorFactory creates a schema migrator from a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)
}

// ObservabilityServer wraps the methods serve uses from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
	Registerer() prometheus.Registerer
}

// Migrator wraps the methods migrate uses from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Force(version int) error
	Status() (store.Status, error)
	Close() error
}

func (d *Deps) openBackend(ctx context.Context, cfg config.StoreConfig) (*backend.Backend, error) {
	if d.BackendOpener != nil {
		return d.BackendOpener(ctx, cfg)
	}
	return backend.Open(ctx, cfg)
}

func (d *Deps) newObservabilityServer(addr string, ready observability.ReadinessChecker) ObservabilityServer {
	if d.ObservabilityServerFactory != nil {
		return d.ObservabilityServerFactory(addr, ready)
	}
	return observability.NewServer(addr, ready)
}

func (d *Deps) newMigrator(databaseURL string) (Migrator, error) {
	if d.MigratorFactory != nil {
		return d.MigratorFactory(databaseURL)
	}
	return store.NewMigrator(databaseURL)
}
