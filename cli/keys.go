package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medhive/coordinator/pkg/crypto"
)

var keysCmd = []cobra.Command{
	{
		Use:   "generate",
		Short: "Generate the coordinator key store if absent",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			keysDir, _ := cmd.Flags().GetString("keys-dir")

			if _, err := crypto.Generate(keysDir); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd, fmt.Sprintf("key store ready at %s", keysDir))
		},
	},
}

func NewKeysCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "keys [generate]",
		Short: "Key store management",
		Long:  ``,
	}

	for i := range keysCmd {
		cmd.AddCommand(&keysCmd[i])
	}

	generateCmd := &keysCmd[0]
	generateCmd.Flags().String("keys-dir", "./data/keys", "Coordinator key store directory")

	return &cmd
}
