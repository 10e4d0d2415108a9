package cli

import (
	"fmt"

	"github.com/fatih/color"
	prettyjson "github.com/hokaccha/go-prettyjson"
	"github.com/spf13/cobra"
)

func logJSONCmd(cmd cobra.Command, iList ...interface{}) {
	for _, i := range iList {
		m, err := prettyjson.Marshal(i)
		if err != nil {
			logErrorCmd(cmd, err)

			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(m))
	}
}

func logErrorCmd(cmd cobra.Command, err error) {
	boldRed := color.New(color.FgRed, color.Bold)
	fmt.Fprintf(cmd.ErrOrStderr(), "\n%s %s\n\n", boldRed.Sprint("error:"), err)
}

func logOKCmd(cmd cobra.Command, msg string) {
	green := color.New(color.FgGreen)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", green.Sprint(msg))
}
