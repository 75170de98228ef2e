package commands

import (
	"fmt"
	"os"

	"harvest-core/internal/db"
	"harvest-core/lib/osutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statsStep *int

func init() {
	statsStep = statsCmd.Flags().Int("step", -1, "Only show round stats for this step index.")
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats <run-id>",
	Short: "Prints a run's step checkpoints and per-round retry stats.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		core, _ := mustCore()
		defer core.DB.Close()

		runId := args[0]

		checkpoints, err := core.Store.Checkpoints(ctx, runId)
		if err != nil {
			osutil.Fatal("failed to load checkpoints", err)
		}
		if len(checkpoints) == 0 {
			fmt.Printf("run %s has no checkpoints\n", runId)
			return
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Step", "Name", "Status", "Rounds", "Read", "Processed", "Inserted", "Rejected", "Duration (s)", "Error"})
		for _, cp := range checkpoints {
			message := ""
			if cp.Error.Valid {
				message = cp.Error.String
			}
			t.AppendRow(table.Row{
				cp.StepIdx,
				cp.StepName,
				cp.Status,
				cp.RoundsUsed,
				cp.ItemsRead,
				cp.ItemsProcessed,
				cp.ItemsInserted,
				cp.ItemsRejected,
				fmt.Sprintf("%.1f", cp.DurationSeconds),
				message,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()

		var stats []db.RoundStat
		if *statsStep >= 0 {
			stats, err = core.Store.StepRoundStats(ctx, runId, *statsStep)
		} else {
			stats, err = core.Store.RoundStats(ctx, runId)
		}
		if err != nil {
			osutil.Fatal("failed to load round stats", err)
		}
		if len(stats) == 0 {
			return
		}

		rt := table.NewWriter()
		rt.SetOutputMirror(os.Stdout)
		rt.AppendHeader(table.Row{"Step", "Round", "Phase", "Attempted", "Succeeded", "Zero Result", "Errored"})
		for _, s := range stats {
			rt.AppendRow(table.Row{
				s.StepIdx,
				s.Round,
				s.Phase,
				s.Attempted,
				s.Succeeded,
				s.ZeroResult,
				s.Errored,
			})
		}
		rt.SetStyle(table.StyleRounded)
		rt.Render()

		printRecoveryRates(stats)
	},
}

// how much of the work left unresolved by the first round the retry
// rounds managed to claw back, per step.
func printRecoveryRates(stats []db.RoundStat) {
	var steps []int64
	unresolved := map[int64]int64{}
	recovered := map[int64]int64{}
	for _, s := range stats {
		if s.Round == 1 {
			steps = append(steps, s.StepIdx)
			unresolved[s.StepIdx] = s.Attempted - s.Succeeded
			continue
		}
		recovered[s.StepIdx] += s.Succeeded
	}

	for _, step := range steps {
		left := unresolved[step]
		if left == 0 {
			continue
		}
		fmt.Printf(
			"step %d: %d/%d unresolved after round 1 recovered by retries (%.0f%%)\n",
			step, recovered[step], left,
			float64(recovered[step])/float64(left)*100,
		)
	}
}
