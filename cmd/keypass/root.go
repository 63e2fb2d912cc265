// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/logging"
	"github.com/keypass/keypass/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the keypass CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmdWithDeps(&Deps{})
}

func newRootCmdWithDeps(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keypass",
		Short: "Keypass - multi-tenant credential service",
		Long: `Keypass issues and rotates session tokens, hands out single-use
organisation access codes and runs the password reset flow on top of a
PostgreSQL or in-process credential store.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(deps))
	cmd.AddCommand(NewMigrateCmd(deps))
	cmd.AddCommand(NewCodesCmd(deps))
	cmd.AddCommand(NewPurgeCmd(deps))

	return cmd
}

// loadConfig reads configuration for cmd, including flags inherited from the
// root command. Without --config the XDG default file is used if present.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if path == "" {
		found, err := xdg.FindConfigFile()
		if err != nil {
			return nil, err
		}
		path = found
	}
	return config.Load(path, cmd.Flags())
}

// setupLogging installs the default logger described by cfg.
func setupLogging(cfg *config.Config) error {
	return logging.SetDefault(cfg.LogOptions("keypass", version))
}
