package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"harvest-core/internal/db"
	"harvest-core/internal/registry"
	"harvest-core/lib/checkpoint"
	"harvest-core/lib/notify"
	"harvest-core/lib/osutil"
	"harvest-core/lib/pipeline"
	"harvest-core/lib/telemetry"

	"github.com/spf13/cobra"
)

var runFresh *bool
var runFromStep *int
var runId *string
var runRounds *int
var runRoundPause *int
var runWorkers *int

func init() {
	runFresh = runCmd.Flags().Bool("fresh", false, "Discard previous progress and start over.")
	runFromStep = runCmd.Flags().Int("from-step", -1, "Start at this step index, clearing it and everything after it.")
	runId = runCmd.Flags().String("run", "", "Run id to work on. Defaults to the pipeline's latest unfinished run.")
	runRounds = runCmd.Flags().Int("rounds", 0, "Override the configured retry round count.")
	runRoundPause = runCmd.Flags().Int("round-pause", 0, "Override the configured pause between rounds, in seconds.")
	runWorkers = runCmd.Flags().Int("workers", 0, "Override the configured worker pool size.")
	runCmd.MarkFlagsMutuallyExclusive("fresh", "from-step")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Executes a pipeline, resuming its latest run by default.",
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

		roundOpts := config.roundOptions()
		if *runRounds > 0 {
			roundOpts.Rounds = *runRounds
		}
		if *runRoundPause > 0 {
			roundOpts.RoundPause = time.Duration(*runRoundPause) * time.Second
		}
		if *runWorkers > 0 {
			roundOpts.Workers = *runWorkers
		}

		orch, err := pipeline.New(pipeline.Options{
			Pipeline:        reg.Name,
			Steps:           steps,
			Store:           core.Store,
			Workers:         core.Workers,
			Rounds:          roundOpts,
			MemoryCeilingMB: config.MemoryCeilingMb,
			Notify:          notify.NewMailer(config.Smtp),
		})
		if err != nil {
			osutil.Fatal("failed to initialize orchestrator", err)
		}

		telemetry.InstrumentPerfStats(ctx)

		id := resolveRunId(ctx, core.Store, reg.Name)
		err = orch.Run(ctx, id, resolveMode())
		if err != nil {
			var stepErr *pipeline.StepError
			if errors.As(err, &stepErr) {
				fmt.Fprintf(os.Stderr, "\nrun %s halted at step %d (%s):\n  %v\n",
					id, stepErr.Idx, stepErr.Step, stepErr.Err)
				fmt.Fprintf(os.Stderr, "\ncompleted steps kept their checkpoints. resume with:\n  harvest run %s --run %s\n",
					reg.Name, id)
			} else {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(1)
		}

		fmt.Printf("run %s completed\n", id)
	},
}

func resolveMode() pipeline.Mode {
	switch {
	case *runFresh:
		return pipeline.FreshMode()
	case *runFromStep >= 0:
		return pipeline.FromStepMode(*runFromStep)
	default:
		return pipeline.ResumeMode()
	}
}

// without an explicit --run, a fresh start always gets a new run and
// a plain invocation picks up the latest run that never finished.
func resolveRunId(ctx context.Context, store *checkpoint.Store, pipelineName string) string {
	if *runId != "" {
		return *runId
	}

	if !*runFresh {
		latest, err := store.LatestRun(ctx, pipelineName)
		// from-step may rewind a completed run, a plain resume only
		// continues one that never finished
		if err == nil && (*runFromStep >= 0 || latest.Status != db.RUN_STATUS_COMPLETED) {
			slog.Info("continuing latest run", "run_id", latest.ID, "status", latest.Status)
			return latest.ID
		}
	}

	id, err := pipeline.NewRunID()
	if err != nil {
		osutil.Fatal("failed to generate run id", err)
	}
	return id
}
