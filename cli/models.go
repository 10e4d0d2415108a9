package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = []cobra.Command{
	{
		Use:   "versions <model_kind>",
		Short: "List published global model versions",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			res, err := sdkFromCmd(cmd).ModelVersions(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
	{
		Use:   "download <model_kind> <out_file>",
		Short: "Download a global model version",
		Long:  ``,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			version, _ := cmd.Flags().GetInt("version")
			served, err := sdkFromCmd(cmd).DownloadGlobal(args[0], version, args[1])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd, fmt.Sprintf("wrote version %d to %s", served, args[1]))
		},
	},
}

func NewModelsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "models [versions | download]",
		Short: "Global model access",
		Long:  ``,
	}

	for i := range modelsCmd {
		cmd.AddCommand(&modelsCmd[i])
	}

	downloadCmd := &modelsCmd[1]
	downloadCmd.Flags().IntP("version", "v", 0, "Model version (0 fetches the latest)")

	return &cmd
}
