package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"harvest-core/internal/db"
	"harvest-core/lib/rounds"
	"harvest-core/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("harvest.lib.checkpoint")

// returned by LastCompleted when the run has no completed steps yet
const NoStepCompleted = -1

// counters a step reports about itself when it completes.
type StepMetrics struct {
	ItemsRead      int
	ItemsProcessed int
	ItemsInserted  int
	ItemsRejected  int
	RoundsUsed     int
}

// run-level aggregates written when a run closes.
type RunSummary struct {
	TotalSeconds   float64
	SlowestStep    string
	SlowestSeconds float64
	// empty when the run completed
	FailingStep string
}

// Store persists run and step progress. every write is committed
// before the method returns, so a crash immediately after a
// completed step can never lose that step. writes for a single run
// always come from one goroutine (the orchestrator's), reads can
// come from anywhere.
type Store struct {
	db  *sql.DB
	qry *db.Queries
}

func NewStore(database *sql.DB) *Store {
	return &Store{
		db:  database,
		qry: db.New(database),
	}
}

// OpenRun creates the run record, or revives it as running when it
// already exists (the resume path).
func (s *Store) OpenRun(ctx context.Context, runID, pipeline string) error {
	ctx, span := tracer.Start(ctx, "store:OpenRun", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("pipeline", pipeline),
	))
	defer span.End()

	_, err := s.qry.GetRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.qry.CreateRun(ctx, db.CreateRunParams{
			ID:        runID,
			Pipeline:  pipeline,
			Status:    db.RUN_STATUS_RUNNING,
			StartedAt: time.Now().Unix(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create run")
			return err
		}
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to look up run")
		return err
	}

	err = s.qry.ReopenRun(ctx, db.ReopenRunParams{
		Status: db.RUN_STATUS_RUNNING,
		ID:     runID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reopen run")
		return err
	}
	return nil
}

func (s *Store) Run(ctx context.Context, runID string) (db.Run, error) {
	return s.qry.GetRun(ctx, runID)
}

func (s *Store) LatestRun(ctx context.Context, pipeline string) (db.Run, error) {
	return s.qry.GetLatestRun(ctx, pipeline)
}

func (s *Store) Runs(ctx context.Context, limit int) ([]db.Run, error) {
	return s.qry.ListRuns(ctx, int64(limit))
}

func (s *Store) CloseRun(ctx context.Context, runID, status string, summary RunSummary) error {
	ctx, span := tracer.Start(ctx, "store:CloseRun", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("status", status),
	))
	defer span.End()

	err := s.qry.CloseRun(ctx, db.CloseRunParams{
		Status:         status,
		EndedAt:        sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
		TotalSeconds:   summary.TotalSeconds,
		SlowestStep:    sql.NullString{String: summary.SlowestStep, Valid: summary.SlowestStep != ""},
		SlowestSeconds: summary.SlowestSeconds,
		FailingStep:    sql.NullString{String: summary.FailingStep, Valid: summary.FailingStep != ""},
		ID:             runID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close run")
		return err
	}
	return nil
}

// LastCompleted is the highest step index this run has completed, or
// NoStepCompleted.
func (s *Store) LastCompleted(ctx context.Context, runID string) (int, error) {
	idx, err := s.qry.GetLastCompletedStep(ctx, db.GetLastCompletedStepParams{
		RunID:  runID,
		Status: db.STEP_STATUS_COMPLETED,
	})
	if err != nil {
		return NoStepCompleted, err
	}
	return int(idx), nil
}

// Begin marks a step in progress and points the run's current step
// at it, in one transaction. re-beginning a step (a rerun after
// failure) resets its previous counters.
func (s *Store) Begin(ctx context.Context, runID string, stepIdx int, stepName string) error {
	ctx, span := tracer.Start(ctx, "store:Begin", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("step", stepIdx),
		attribute.String("step_name", stepName),
	))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	err = txqry.BeginStepCheckpoint(ctx, db.BeginStepCheckpointParams{
		RunID:     runID,
		StepIdx:   int64(stepIdx),
		StepName:  stepName,
		Status:    db.STEP_STATUS_IN_PROGRESS,
		StartedAt: sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = txqry.SetRunCurrentStep(ctx, db.SetRunCurrentStepParams{
		CurrentStep: int64(stepIdx),
		ID:          runID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, runID string, stepIdx int, metrics StepMetrics) error {
	ctx, span := tracer.Start(ctx, "store:Complete", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("step", stepIdx),
	))
	defer span.End()

	err := s.qry.CompleteStepCheckpoint(ctx, db.CompleteStepCheckpointParams{
		Status:          db.STEP_STATUS_COMPLETED,
		EndedAt:         sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
		DurationSeconds: s.stepDuration(ctx, runID, stepIdx),
		ItemsRead:       int64(metrics.ItemsRead),
		ItemsProcessed:  int64(metrics.ItemsProcessed),
		ItemsInserted:   int64(metrics.ItemsInserted),
		ItemsRejected:   int64(metrics.ItemsRejected),
		RoundsUsed:      int64(metrics.RoundsUsed),
		RunID:           runID,
		StepIdx:         int64(stepIdx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete step checkpoint")
		return err
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, runID string, stepIdx int, cause error) error {
	ctx, span := tracer.Start(ctx, "store:Fail", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("step", stepIdx),
	))
	defer span.End()

	message := ""
	if cause != nil {
		message = cause.Error()
	}
	err := s.qry.FailStepCheckpoint(ctx, db.FailStepCheckpointParams{
		Status:          db.STEP_STATUS_FAILED,
		EndedAt:         sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
		DurationSeconds: s.stepDuration(ctx, runID, stepIdx),
		Error:           sql.NullString{String: message, Valid: message != ""},
		RunID:           runID,
		StepIdx:         int64(stepIdx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fail step checkpoint")
		return err
	}
	return nil
}

// Skip records a step the current start mode jumped over without
// running it.
func (s *Store) Skip(ctx context.Context, runID string, stepIdx int, stepName string) error {
	return s.qry.MarkStepSkipped(ctx, db.MarkStepSkippedParams{
		RunID:    runID,
		StepIdx:  int64(stepIdx),
		StepName: stepName,
		Status:   db.STEP_STATUS_SKIPPED,
	})
}

func (s *Store) Checkpoint(ctx context.Context, runID string, stepIdx int) (db.StepCheckpoint, error) {
	return s.qry.GetStepCheckpoint(ctx, db.GetStepCheckpointParams{
		RunID:   runID,
		StepIdx: int64(stepIdx),
	})
}

func (s *Store) Checkpoints(ctx context.Context, runID string) ([]db.StepCheckpoint, error) {
	return s.qry.GetStepCheckpoints(ctx, runID)
}

// Reset destroys every checkpoint and round stat of the run. only
// the explicit fresh-start path calls this, a bare resume can never
// reach it.
func (s *Store) Reset(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "store:Reset", trace.WithAttributes(
		attribute.String("run_id", runID),
	))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	err = txqry.DeleteStepCheckpoints(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = txqry.DeleteRoundStats(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = txqry.SetRunCurrentStep(ctx, db.SetRunCurrentStepParams{
		CurrentStep: -1,
		ID:          runID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// ClearFrom drops checkpoints and round stats at and after stepIdx,
// forcing those steps to run again. used by from-step starts.
func (s *Store) ClearFrom(ctx context.Context, runID string, stepIdx int) error {
	ctx, span := tracer.Start(ctx, "store:ClearFrom", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("step", stepIdx),
	))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	err = txqry.DeleteStepCheckpointsFrom(ctx, db.DeleteStepCheckpointsFromParams{
		RunID:   runID,
		StepIdx: int64(stepIdx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = txqry.DeleteRoundStatsFrom(ctx, db.DeleteRoundStatsFromParams{
		RunID:   runID,
		StepIdx: int64(stepIdx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store) RecordRoundStats(ctx context.Context, runID string, stepIdx int, stats rounds.RoundStats) error {
	phase := db.ROUND_PHASE_ROUND
	if stats.Phase == rounds.PhaseFallback {
		phase = db.ROUND_PHASE_FALLBACK
	}
	return s.qry.CreateRoundStat(ctx, db.CreateRoundStatParams{
		RunID:      runID,
		StepIdx:    int64(stepIdx),
		Round:      int64(stats.Round),
		Phase:      phase,
		Attempted:  int64(stats.Attempted),
		Succeeded:  int64(stats.Succeeded),
		ZeroResult: int64(stats.ZeroResult),
		Errored:    int64(stats.Errored),
		StartedAt:  stats.StartedAt.Unix(),
		EndedAt:    stats.EndedAt.Unix(),
	})
}

func (s *Store) RoundStats(ctx context.Context, runID string) ([]db.RoundStat, error) {
	return s.qry.GetRoundStats(ctx, runID)
}

func (s *Store) StepRoundStats(ctx context.Context, runID string, stepIdx int) ([]db.RoundStat, error) {
	return s.qry.GetStepRoundStats(ctx, db.GetStepRoundStatsParams{
		RunID:   runID,
		StepIdx: int64(stepIdx),
	})
}

// duration from the step's recorded start, so reruns measure their
// own attempt rather than time since the first try.
func (s *Store) stepDuration(ctx context.Context, runID string, stepIdx int) float64 {
	cp, err := s.Checkpoint(ctx, runID, stepIdx)
	if err != nil || !cp.StartedAt.Valid {
		return 0
	}
	return time.Since(time.Unix(cp.StartedAt.Int64, 0)).Seconds()
}
