package commands

import (
	"fmt"

	"harvest-core/lib/osutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep <run-id>",
	Short: "Kills and closes out any worker processes a run left behind.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		core, _ := mustCore()
		defer core.DB.Close()

		closed, err := core.Workers.Sweep(cmd.Context(), args[0], "operator sweep")
		if err != nil {
			osutil.Fatal("failed to sweep workers", err)
		}
		fmt.Printf("closed %d worker record(s)\n", closed)
	},
}
