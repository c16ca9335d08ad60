package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/agentfleet/coordination"
)

// =============================================================================
// 🔐 token 命令
// =============================================================================

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		principal string
		level     string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a grant token signed with auth.grant_signing_key",
		Long: `Issue a bearer grant token for the HTTP API.

Fleet mutations (terminate, recover, topology) need the "system" level;
memory reads need a level that covers the entry's access level.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			lvl, err := coordination.ParseAccessLevel(level)
			if err != nil {
				return err
			}

			authCfg := cfg.Auth
			if ttl > 0 {
				authCfg.GrantTTL = ttl
			}
			issuer, err := coordination.NewGrantIssuerFromConfig(authCfg)
			if err != nil {
				return err
			}
			if issuer == nil {
				return fmt.Errorf("auth.grant_signing_key is not configured")
			}

			token, err := issuer.Issue(principal, lvl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&principal, "principal", "", "principal id the token is issued to")
	cmd.Flags().StringVar(&level, "level", coordination.AccessPrivate.String(), "access level: private, team, swarm, public, system")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.grant_ttl)")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}
