// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"context"

	"github.com/spf13/cobra"
)

// NewPurgeCmd creates the purge subcommand.
func NewPurgeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired refresh and reset tokens once",
		Long: `Delete expired refresh and reset tokens. serve does this on an interval;
this command is for cron jobs and one-off cleanup. Access codes are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			_, b, err := openAdminBackend(ctx, cmd, deps)
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := b.Purge(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("purged %d refresh tokens, %d reset tokens\n", res.RefreshTokens, res.ResetTokens)
			return nil
		},
	}
}
