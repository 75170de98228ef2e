package commands

import (
	"fmt"
	"os"
	"strings"

	"harvest-core/internal/registry"
	"harvest-core/lib/osutil"
	"harvest-core/lib/pipeline"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var planFresh *bool
var planFromStep *int
var planRunId *string

func init() {
	planFresh = planCmd.Flags().Bool("fresh", false, "Plan a fresh start.")
	planFromStep = planCmd.Flags().Int("from-step", -1, "Plan a start from this step index.")
	planRunId = planCmd.Flags().String("run", "", "Run id to plan against. Defaults to the pipeline's latest run.")
	planCmd.MarkFlagsMutuallyExclusive("fresh", "from-step")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan <pipeline>",
	Short: "Prints what a run would do, without executing anything.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		core, config := mustCore()
		defer core.DB.Close()

		reg, ok := registry.Lookup(args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown pipeline %q, known pipelines: %s\n",
				args[0], strings.Join(registry.Names(), ", "))
			os.Exit(1)
		}

		steps, err := reg.Build(ctx, core)
		if err != nil {
			osutil.Fatal("failed to build pipeline", err)
		}
		orch, err := pipeline.New(pipeline.Options{
			Pipeline: reg.Name,
			Steps:    steps,
			Store:    core.Store,
			Workers:  core.Workers,
			Rounds:   config.roundOptions(),
		})
		if err != nil {
			osutil.Fatal("failed to initialize orchestrator", err)
		}

		id := *planRunId
		if id == "" {
			latest, err := core.Store.LatestRun(ctx, reg.Name)
			if err == nil {
				id = latest.ID
			}
		}

		mode := pipeline.ResumeMode()
		switch {
		case *planFresh:
			mode = pipeline.FreshMode()
		case *planFromStep >= 0:
			mode = pipeline.FromStepMode(*planFromStep)
		}

		planned, err := orch.Plan(ctx, id, mode)
		if err != nil {
			osutil.Fatal("failed to derive plan", err)
		}

		if id == "" {
			fmt.Printf("pipeline %s, new run, mode %s\n", reg.Name, mode)
		} else {
			fmt.Printf("pipeline %s, run %s, mode %s\n", reg.Name, id, mode)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Step", "Name", "Action", "Reason"})
		for _, p := range planned {
			t.AppendRow(table.Row{p.Idx, p.Name, p.Action, p.Reason})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
