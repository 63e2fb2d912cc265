// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

package main

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keypass/keypass/internal/audit"
	"github.com/keypass/keypass/internal/backend"
	"github.com/keypass/keypass/internal/config"
	"github.com/keypass/keypass/internal/credstore"
	"github.com/keypass/keypass/internal/keypass"
)

// NewCodesCmd creates the codes subcommand for access code administration.
func NewCodesCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Administer organisation access codes",
	}
	cmd.AddCommand(newCodesIssueCmd(deps))
	cmd.AddCommand(newCodesTransitionCmd(deps, "revoke", "Revoke an available code", (*keypass.Service).Revoke))
	cmd.AddCommand(newCodesTransitionCmd(deps, "expire", "Expire an available code now", (*keypass.Service).Expire))
	cmd.AddCommand(&cobra.Command{
		Use:   "show CODE",
		Short: "Show one code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCodeService(cmd, deps, func(ctx context.Context, svc *keypass.Service) error {
				c, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printCode(cmd, c)
				return nil
			})
		},
	})
	return cmd
}

func newCodesIssueCmd(deps *Deps) *cobra.Command {
	var (
		org    string
		prefix string
		count  int
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a batch of access codes for an organisation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orgID, err := ulid.ParseStrict(org)
			if err != nil {
				return oops.Code("CODE_BATCH_INVALID").
					With("field", "org").
					With("input", org).
					Wrap(keypass.ErrInvalidBatch)
			}
			return withCodeService(cmd, deps, func(ctx context.Context, svc *keypass.Service) error {
				batch, err := svc.IssueBatch(ctx, orgID, prefix, count, ttl)
				if err != nil {
					return err
				}
				for _, c := range batch {
					cmd.Println(c.Code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organisation ID (ULID)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "code prefix, 2-8 characters")
	cmd.Flags().IntVar(&count, "count", 1, "number of codes to issue")
	cmd.Flags().DurationVar(&ttl, "ttl", keypass.DefaultCodeTTL, "validity period")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

type codeTransition func(*keypass.Service, context.Context, string) (*credstore.AccessCode, error)

func newCodesTransitionCmd(deps *Deps, use, short string, apply codeTransition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CODE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCodeService(cmd, deps, func(ctx context.Context, svc *keypass.Service) error {
				c, err := apply(svc, ctx, args[0])
				if err != nil {
					return err
				}
				printCode(cmd, c)
				return nil
			})
		},
	}
}

func withCodeService(cmd *cobra.Command, deps *Deps, fn func(context.Context, *keypass.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, b, err := openAdminBackend(ctx, cmd, deps)
	if err != nil {
		return err
	}
	defer b.Close()

	sink := audit.NewSink(b.Store,
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	)
	defer sink.Close()

	return fn(ctx, keypass.NewService(b.Store, keypass.WithAuditRecorder(sink)))
}

// openAdminBackend loads configuration that only needs to reach the store and
// opens it.
func openAdminBackend(ctx context.Context, cmd *cobra.Command, deps *Deps) (*config.Config, *backend.Backend, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, nil, err
	}
	if err := setupLogging(cfg); err != nil {
		return nil, nil, err
	}
	b, err := deps.openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, nil, oops.Code("BACKEND_OPEN_FAILED").With("backend", cfg.Store.Backend).Wrap(err)
	}
	return cfg, b, nil
}

func printCode(cmd *cobra.Command, c *credstore.AccessCode) {
	cmd.Printf("code:       %s\n", c.Code)
	cmd.Printf("org:        %s\n", c.OrgID)
	cmd.Printf("status:     %s\n", c.Status)
	cmd.Printf("created_at: %s\n", c.CreatedAt.Format(time.RFC3339))
	cmd.Printf("expires_at: %s\n", c.ExpiresAt.Format(time.RFC3339))
	if c.UsedAt != nil && c.UsedBy != nil {
		cmd.Printf("used_at:    %s\n", c.UsedAt.Format(time.RFC3339))
		cmd.Printf("used_by:    %s\n", *c.UsedBy)
	}
	if c.RevokedAt != nil {
		cmd.Printf("revoked_at: %s\n", c.RevokedAt.Format(time.RFC3339))
	}
}
