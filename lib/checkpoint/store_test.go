package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"harvest-core/internal/db"
	"harvest-core/lib/rounds"
	"harvest-core/lib/testutil"

	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	res, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "checkpoint",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)
	return NewStore(res.DB)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runID := "20250101-000000-aaaaaa"

	// opening an unknown run creates it
	{
		err := store.OpenRun(ctx, runID, "listings")
		if err != nil {
			t.Fatal(err)
		}
		run, err := store.Run(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, db.RUN_STATUS_RUNNING, run.Status)
		require.Equal(t, "listings", run.Pipeline)
		require.Equal(t, int64(-1), run.CurrentStep)
		require.False(t, run.EndedAt.Valid)

		last, err := store.LastCompleted(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, NoStepCompleted, last)
	}

	// a step in flight moves the run's current step pointer
	{
		err := store.Begin(ctx, runID, 0, "collect")
		if err != nil {
			t.Fatal(err)
		}
		cp, err := store.Checkpoint(ctx, runID, 0)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, db.STEP_STATUS_IN_PROGRESS, cp.Status)
		require.Equal(t, "collect", cp.StepName)
		require.True(t, cp.StartedAt.Valid)

		run, err := store.Run(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, int64(0), run.CurrentStep)
	}

	// completion persists the counters
	{
		err := store.Complete(ctx, runID, 0, StepMetrics{
			ItemsRead:      10,
			ItemsProcessed: 9,
			ItemsInserted:  9,
			ItemsRejected:  1,
			RoundsUsed:     2,
		})
		if err != nil {
			t.Fatal(err)
		}
		cp, err := store.Checkpoint(ctx, runID, 0)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, db.STEP_STATUS_COMPLETED, cp.Status)
		require.Equal(t, int64(10), cp.ItemsRead)
		require.Equal(t, int64(9), cp.ItemsProcessed)
		require.Equal(t, int64(1), cp.ItemsRejected)
		require.Equal(t, int64(2), cp.RoundsUsed)
		require.True(t, cp.EndedAt.Valid)

		last, err := store.LastCompleted(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, 0, last)
	}

	// failure keeps the cause on the checkpoint
	{
		err := store.Begin(ctx, runID, 1, "extract")
		if err != nil {
			t.Fatal(err)
		}
		err = store.Fail(ctx, runID, 1, errors.New("upstream went away"))
		if err != nil {
			t.Fatal(err)
		}
		cp, err := store.Checkpoint(ctx, runID, 1)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, db.STEP_STATUS_FAILED, cp.Status)
		require.Contains(t, cp.Error.String, "upstream went away")

		// a failed step never counts as completed
		last, err := store.LastCompleted(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, 0, last)
	}

	// closing writes the summary
	{
		err := store.CloseRun(ctx, runID, db.RUN_STATUS_FAILED, RunSummary{
			TotalSeconds:   1.5,
			SlowestStep:    "collect",
			SlowestSeconds: 1.0,
			FailingStep:    "extract",
		})
		if err != nil {
			t.Fatal(err)
		}
		run, err := store.Run(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, db.RUN_STATUS_FAILED, run.Status)
		require.True(t, run.EndedAt.Valid)
		require.Equal(t, "extract", run.FailingStep.String)
		require.Equal(t, 1.5, run.TotalSeconds)
	}

	// reopening revives the run for a resume
	{
		err := store.OpenRun(ctx, runID, "listings")
		if err != nil {
			t.Fatal(err)
		}
		run, err := store.Run(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, db.RUN_STATUS_RUNNING, run.Status)
		require.False(t, run.EndedAt.Valid)
		require.False(t, run.FailingStep.Valid)

		// checkpoints survive the reopen untouched
		last, err := store.LastCompleted(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, 0, last)
	}
}

func TestRerunResetsCounters(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runID := "20250101-000000-bbbbbb"

	err := store.OpenRun(ctx, runID, "listings")
	if err != nil {
		t.Fatal(err)
	}
	err = store.Begin(ctx, runID, 0, "collect")
	if err != nil {
		t.Fatal(err)
	}
	err = store.Fail(ctx, runID, 0, errors.New("boom"))
	if err != nil {
		t.Fatal(err)
	}

	err = store.Begin(ctx, runID, 0, "collect")
	if err != nil {
		t.Fatal(err)
	}
	cp, err := store.Checkpoint(ctx, runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, db.STEP_STATUS_IN_PROGRESS, cp.Status)
	require.Equal(t, int64(0), cp.ItemsRead)
	require.Equal(t, int64(0), cp.RoundsUsed)
	require.False(t, cp.Error.Valid)
	require.False(t, cp.EndedAt.Valid)
}

func TestResetDestroysProgress(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runID := "20250101-000000-cccccc"

	err := store.OpenRun(ctx, runID, "listings")
	if err != nil {
		t.Fatal(err)
	}
	for idx, name := range []string{"collect", "extract"} {
		err = store.Begin(ctx, runID, idx, name)
		if err != nil {
			t.Fatal(err)
		}
		err = store.Complete(ctx, runID, idx, StepMetrics{ItemsRead: 5})
		if err != nil {
			t.Fatal(err)
		}
	}
	err = store.RecordRoundStats(ctx, runID, 1, rounds.RoundStats{
		Round: 1, Phase: rounds.PhaseRound, Attempted: 5, Succeeded: 5,
		StartedAt: time.Now(), EndedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.Reset(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}

	cps, err := store.Checkpoints(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Empty(t, cps)

	stats, err := store.RoundStats(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Empty(t, stats)

	run, err := store.Run(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, int64(-1), run.CurrentStep)

	last, err := store.LastCompleted(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, NoStepCompleted, last)
}

func TestClearFromDropsTheTail(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runID := "20250101-000000-dddddd"

	err := store.OpenRun(ctx, runID, "listings")
	if err != nil {
		t.Fatal(err)
	}
	for idx, name := range []string{"collect", "extract", "report"} {
		err = store.Begin(ctx, runID, idx, name)
		if err != nil {
			t.Fatal(err)
		}
		err = store.Complete(ctx, runID, idx, StepMetrics{})
		if err != nil {
			t.Fatal(err)
		}
		err = store.RecordRoundStats(ctx, runID, idx, rounds.RoundStats{
			Round: 1, Phase: rounds.PhaseRound, Attempted: 1, Succeeded: 1,
			StartedAt: time.Now(), EndedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	err = store.ClearFrom(ctx, runID, 1)
	if err != nil {
		t.Fatal(err)
	}

	cps, err := store.Checkpoints(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, cps, 1)
	require.Equal(t, int64(0), cps[0].StepIdx)

	stats, err := store.RoundStats(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, stats, 1)
	require.Equal(t, int64(0), stats[0].StepIdx)

	last, err := store.LastCompleted(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 0, last)
}

func TestRoundStatsPhaseMapping(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runID := "20250101-000000-eeeeee"

	err := store.OpenRun(ctx, runID, "listings")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	err = store.RecordRoundStats(ctx, runID, 1, rounds.RoundStats{
		Round: 1, Phase: rounds.PhaseRound,
		Attempted: 10, Succeeded: 6, ZeroResult: 3, Errored: 1,
		StartedAt: now, EndedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = store.RecordRoundStats(ctx, runID, 1, rounds.RoundStats{
		Round: 4, Phase: rounds.PhaseFallback,
		Attempted: 1, Succeeded: 1,
		StartedAt: now, EndedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = store.RecordRoundStats(ctx, runID, 2, rounds.RoundStats{
		Round: 1, Phase: rounds.PhaseRound, Attempted: 3, Succeeded: 3,
		StartedAt: now, EndedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := store.RoundStats(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, all, 3)

	stats, err := store.StepRoundStats(ctx, runID, 1)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, stats, 2)
	require.Equal(t, db.ROUND_PHASE_ROUND, stats[0].Phase)
	require.Equal(t, int64(10), stats[0].Attempted)
	require.Equal(t, db.ROUND_PHASE_FALLBACK, stats[1].Phase)
	require.Equal(t, int64(4), stats[1].Round)
}

func TestSkipMarksWithoutTouchingCounters(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	runID := "20250101-000000-ffffff"

	err := store.OpenRun(ctx, runID, "listings")
	if err != nil {
		t.Fatal(err)
	}
	err = store.Skip(ctx, runID, 0, "collect")
	if err != nil {
		t.Fatal(err)
	}

	cp, err := store.Checkpoint(ctx, runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, db.STEP_STATUS_SKIPPED, cp.Status)
	require.False(t, cp.StartedAt.Valid)
}

func TestLatestRunFiltersByPipeline(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	err := store.OpenRun(ctx, "20250101-000000-gggggg", "listings")
	if err != nil {
		t.Fatal(err)
	}
	err = store.OpenRun(ctx, "20250101-000000-hhhhhh", "prices")
	if err != nil {
		t.Fatal(err)
	}

	latest, err := store.LatestRun(ctx, "listings")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "20250101-000000-gggggg", latest.ID)

	runs, err := store.Runs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, runs, 2)
}
