package commands

import (
	"os"

	"harvest-core/lib/osutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(workersCmd)
}

var workersCmd = &cobra.Command{
	Use:   "workers <run-id>",
	Short: "Prints a run's worker process records, open ones included.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		core, _ := mustCore()
		defer core.DB.Close()

		records, err := core.Workers.Records(cmd.Context(), args[0])
		if err != nil {
			osutil.Fatal("failed to list worker records", err)
		}

		open := 0
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Step", "Thread", "PID", "PPID", "Spawned", "Terminated", "Reason"})
		for _, r := range records {
			terminated := ""
			if r.TerminatedAt.Valid {
				terminated = formatUnix(r.TerminatedAt.Int64)
			} else {
				open++
			}
			reason := ""
			if r.Reason.Valid {
				reason = r.Reason.String
			}
			t.AppendRow(table.Row{
				r.ID,
				r.StepIdx,
				r.ThreadID,
				r.Pid,
				r.Ppid,
				formatUnix(r.SpawnedAt),
				terminated,
				reason,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()

		if open > 0 {
			cmd.Printf("%d record(s) still open, `harvest sweep %s` will close them\n", open, args[0])
		}
	},
}
