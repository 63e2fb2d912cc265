// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/config"
)

const (
	testAccessSecret  = "access-secret-access-secret-0123"
	testRefreshSecret = "refresh-secret-refresh-secret-01"
)

// memoryDeps returns deps whose every command shares one in-process store.
func memoryDeps(t *testing.T) (*Deps, *backend.Backend) {
	t.Helper()
	cfg := config.Defaults().Store
	cfg.Backend = config.BackendMemory
	shared, err := backend.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(shared.Close)

	return &Deps{
		BackendOpener: func(context.Context, config.StoreConfig) (*backend.Backend, error) {
			return shared, nil
		},
	}, shared
}

func execute(ctx context.Context, deps *Deps, args ...string) (string, error) {
	configFile = ""
	cmd := newRootCmdWithDeps(deps)
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}
