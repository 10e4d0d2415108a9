// Package cli implements the coordinator's command line client.
package cli

import (
	"github.com/spf13/cobra"
)

func sdkFromCmd(cmd *cobra.Command) *SDK {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	return NewSDK(url, token)
}

// NewRootCmd assembles the CLI command tree.
func NewRootCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "coordinator-cli",
		Short: "Federated learning coordinator CLI",
		Long:  ``,
	}

	cmd.PersistentFlags().StringP("url", "u", "http://localhost:8080", "Coordinator base URL")
	cmd.PersistentFlags().StringP("token", "T", "", "Bearer token")

	cmd.AddCommand(NewRoundsCmd())
	cmd.AddCommand(NewClientsCmd())
	cmd.AddCommand(NewModelsCmd())
	cmd.AddCommand(NewKeysCmd())
	cmd.AddCommand(NewTokenCmd())

	return &cmd
}
