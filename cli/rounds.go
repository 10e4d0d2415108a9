package cli

import (
	"github.com/spf13/cobra"
)

var roundsCmd = []cobra.Command{
	{
		Use:   "create",
		Short: "Create a training round",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			modelID, _ := cmd.Flags().GetString("model-id")
			modelKind, _ := cmd.Flags().GetString("model-kind")
			roundNumber, _ := cmd.Flags().GetInt("round-number")
			minClients, _ := cmd.Flags().GetInt("min-clients")
			maxClients, _ := cmd.Flags().GetInt("max-clients")
			timeoutS, _ := cmd.Flags().GetInt("timeout-s")
			aggregation, _ := cmd.Flags().GetString("aggregation")
			selection, _ := cmd.Flags().GetString("selection")
			seed, _ := cmd.Flags().GetInt64("seed")
			trimFraction, _ := cmd.Flags().GetFloat64("trim-fraction")
			noiseScale, _ := cmd.Flags().GetFloat64("noise-scale")

			config := map[string]any{
				"min_clients":          minClients,
				"max_clients":          maxClients,
				"timeout_seconds":      timeoutS,
				"aggregation_strategy": aggregation,
				"selection_strategy":   selection,
			}
			if seed != 0 {
				config["selection_seed"] = seed
			}
			if trimFraction > 0 {
				config["trim_fraction"] = trimFraction
			}
			if noiseScale > 0 {
				config["noise_scale"] = noiseScale
			}

			hyperparams := make(map[string]any)
			if epochs, _ := cmd.Flags().GetInt("epochs"); epochs > 0 {
				hyperparams["epochs"] = epochs
			}
			if lr, _ := cmd.Flags().GetFloat64("learning-rate"); lr > 0 {
				hyperparams["lr"] = lr
			}
			if batchSize, _ := cmd.Flags().GetInt("batch-size"); batchSize > 0 {
				hyperparams["batch_size"] = batchSize
			}
			if len(hyperparams) > 0 {
				config["hyperparameters"] = hyperparams
			}

			res, err := sdkFromCmd(cmd).CreateRound(CreateRoundRequest{
				ModelID:     modelID,
				ModelKind:   modelKind,
				RoundNumber: roundNumber,
				Config:      config,
			})
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
	{
		Use:   "select <round_id>",
		Short: "Run client selection for a round",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			res, err := sdkFromCmd(cmd).SelectClients(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
	{
		Use:   "start <round_id>",
		Short: "Start a created round",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			res, err := sdkFromCmd(cmd).StartRound(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
	{
		Use:   "status <round_id>",
		Short: "Show a round's current state",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			res, err := sdkFromCmd(cmd).RoundStatus(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, res)
		},
	},
	{
		Use:   "purge <round_id>",
		Short: "Delete a terminal round's artifacts",
		Long:  ``,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := sdkFromCmd(cmd).PurgeRound(args[0]); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logOKCmd(*cmd, "ok")
		},
	},
}

func NewRoundsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "rounds [create | select | start | status | purge]",
		Short: "Training round management",
		Long:  ``,
	}

	for i := range roundsCmd {
		cmd.AddCommand(&roundsCmd[i])
	}

	createCmd := &roundsCmd[0]
	createCmd.Flags().StringP("model-id", "m", "", "Model identifier (required)")
	createCmd.Flags().StringP("model-kind", "k", "", "Model kind (required)")
	createCmd.Flags().IntP("round-number", "r", 1, "Round number within the model's sequence")
	createCmd.Flags().Int("min-clients", 2, "Minimum clients required for aggregation")
	createCmd.Flags().Int("max-clients", 10, "Maximum clients to invite")
	createCmd.Flags().IntP("timeout-s", "t", 300, "Round timeout in seconds")
	createCmd.Flags().StringP("aggregation", "a", "uniformMean", "Aggregation strategy")
	createCmd.Flags().StringP("selection", "s", "random", "Selection strategy")
	createCmd.Flags().Int64("seed", 0, "Selection seed (0 picks one)")
	createCmd.Flags().Float64("trim-fraction", 0, "Per-side trim fraction for trimmedMean")
	createCmd.Flags().Float64("noise-scale", 0, "Laplace noise scale added to the aggregate")
	createCmd.Flags().IntP("epochs", "e", 0, "Local training epochs")
	createCmd.Flags().Float64P("learning-rate", "l", 0, "Learning rate")
	createCmd.Flags().IntP("batch-size", "b", 0, "Batch size")

	return &cmd
}
