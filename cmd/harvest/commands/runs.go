package commands

import (
	"fmt"
	"os"
	"time"

	"harvest-core/lib/osutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runsLimit *int

func init() {
	runsLimit = runsCmd.Flags().Int("limit", 20, "How many runs to show.")
	rootCmd.AddCommand(runsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Prints recent runs, newest first.",
	Run: func(cmd *cobra.Command, args []string) {
		core, _ := mustCore()
		defer core.DB.Close()

		runs, err := core.Store.Runs(cmd.Context(), *runsLimit)
		if err != nil {
			osutil.Fatal("failed to list runs", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Run", "Pipeline", "Status", "Started", "Ended", "Step", "Total (s)", "Failing Step"})
		for _, run := range runs {
			ended := ""
			if run.EndedAt.Valid {
				ended = formatUnix(run.EndedAt.Int64)
			}
			failing := ""
			if run.FailingStep.Valid {
				failing = run.FailingStep.String
			}
			t.AppendRow(table.Row{
				run.ID,
				run.Pipeline,
				run.Status,
				formatUnix(run.StartedAt),
				ended,
				run.CurrentStep,
				fmt.Sprintf("%.1f", run.TotalSeconds),
				failing,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}
