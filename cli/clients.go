package cli

import (
	"github.com/spf13/cobra"

	"github.com/medhive/coordinator/pkg/registry"
)

var clientsCmd = []cobra.Command{
	{
		Use:   "register <client_id> <model_kind>",
		Short: "Register or refresh a client",
		Long:  ``,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			hasAccel, _ := cmd.Flags().GetBool("accelerator")
			accelCount, _ := cmd.Flags().GetInt("accelerator-count")
			osTag, _ := cmd.Flags().GetString("os")

			res, err := sdkFromCmd(cmd).RegisterClient(args[0], args[1], registry.DeviceProfile{
				HasAccelerator:   hasAccel,
				AcceleratorCount: accelCount,
				OSTag:            osTag,
			})
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
	{
		Use:   "ping <client_id>",
		Short: "Mark a client as alive",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := sdkFromCmd(cmd).PingClient(args[0]); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd, "ok")
		},
	},
	{
		Use:   "rounds <client_id>",
		Short: "List rounds the client is invited to",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			modelKind, _ := cmd.Flags().GetString("model-kind")
			res, err := sdkFromCmd(cmd).ListRounds(args[0], modelKind)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
}

func NewClientsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "clients [register | ping | rounds]",
		Short: "Client registry management",
		Long:  ``,
	}

	for i := range clientsCmd {
		cmd.AddCommand(&clientsCmd[i])
	}

	registerCmd := &clientsCmd[0]
	registerCmd.Flags().Bool("accelerator", false, "Client has a training accelerator")
	registerCmd.Flags().Int("accelerator-count", 0, "Number of accelerators")
	registerCmd.Flags().String("os", "", "Operating system tag")

	roundsCmd := &clientsCmd[2]
	roundsCmd.Flags().StringP("model-kind", "k", "", "Filter invitations by model kind")

	return &cmd
}
