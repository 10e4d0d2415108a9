package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medhive/coordinator/pkg/crypto"
)

// NewTokenCmd issues bearer tokens from the coordinator's local key store.
// It runs on the coordinator host, not against the HTTP API.
func NewTokenCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token from the local key store",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			keysDir, _ := cmd.Flags().GetString("keys-dir")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			keys, err := crypto.Load(keysDir)
			if err != nil {
				logErrorCmd(*cmd, fmt.Errorf("failed to load key store: %w", err))

				return
			}

			token, err := keys.IssueToken(args[0], role, ttl)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
		},
	}

	cmd.Flags().String("keys-dir", "./data/keys", "Coordinator key store directory")
	cmd.Flags().String("role", "client", "Token role (client or admin)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	return &cmd
}
