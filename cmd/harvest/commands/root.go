package commands

import (
	"context"
	"fmt"
	"os"

	"harvest-core/lib/browser"
	"harvest-core/lib/restyutil"
	"harvest-core/lib/telemetry"

	"github.com/spf13/cobra"
)

var verbose *bool
var configPath *string

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "harvest runs long-lived scraping pipelines that survive interruption.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
		if *verbose {
			browser.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty"))
		}
	},
}

func init() {
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging/instrumentation.")
	configPath = rootCmd.PersistentFlags().String("config", "harvest.json5", "Path to the harvest config file.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
