package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"harvest-core/internal/db"
	"harvest-core/lib/checkpoint"
	"harvest-core/lib/proctrack"
	"harvest-core/lib/rounds"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier is told when a run halts on a failed step. implementations
// must tolerate being called with an already-cancelled parent run.
type Notifier interface {
	RunHalted(ctx context.Context, pipeline, runID, step string, cause error) error
}

type Options struct {
	// pipeline name, recorded on every run
	Pipeline string
	// executed in order; a failure halts everything after it
	Steps []Step

	Store   *checkpoint.Store
	Workers *proctrack.Tracker

	// defaults handed to every step's RunRounds
	Rounds rounds.Options
	// retire one worker when process memory crosses this, 0 disables
	MemoryCeilingMB int

	// optional
	Notify Notifier
}

// Orchestrator executes a pipeline's steps in order against durable
// checkpoints, so a halted run can pick up where it stopped.
type Orchestrator struct {
	pipeline string
	steps    []Step
	store    *checkpoint.Store
	workers  *proctrack.Tracker
	rounds   rounds.Options
	guard    *proctrack.MemoryGuard
	notify   Notifier

	// coordinator of the step currently inside RunRounds, the
	// memory guard's retirement target
	current atomic.Pointer[rounds.Coordinator]
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Pipeline == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("pipeline %q has no steps", opts.Pipeline)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline %q has no checkpoint store", opts.Pipeline)
	}
	seen := map[string]bool{}
	for _, step := range opts.Steps {
		if step.Name() == "" {
			return nil, fmt.Errorf("pipeline %q has an unnamed step", opts.Pipeline)
		}
		if seen[step.Name()] {
			return nil, fmt.Errorf("pipeline %q declares step %q twice", opts.Pipeline, step.Name())
		}
		seen[step.Name()] = true
	}

	o := &Orchestrator{
		pipeline: opts.Pipeline,
		steps:    opts.Steps,
		store:    opts.Store,
		workers:  opts.Workers,
		rounds:   opts.Rounds,
		notify:   opts.Notify,
	}
	o.guard = proctrack.NewMemoryGuard(proctrack.MemoryGuardOptions{
		CeilingMB: opts.MemoryCeilingMB,
		Retire:    o.retireCurrent,
	})
	return o, nil
}

func (o *Orchestrator) Steps() []Step {
	return o.steps
}

// Run executes the pipeline under the given mode. a step failure or
// cancellation halts the run with its checkpoint marked failed, the
// run record closed, and every spawned worker swept, leaving state a
// plain resume can continue from. the returned error wraps a
// *StepError when a step caused the halt.
func (o *Orchestrator) Run(ctx context.Context, runID string, mode Mode) error {
	ctx, span := tracer.Start(ctx, "orchestrator:Run", trace.WithAttributes(
		attribute.String("pipeline", o.pipeline),
		attribute.String("run_id", runID),
		attribute.String("mode", mode.String()),
	))
	defer span.End()

	err := o.store.OpenRun(ctx, runID, o.pipeline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open run")
		return fmt.Errorf("open run: %w", err)
	}

	switch {
	case mode.Fresh:
		err = o.store.Reset(ctx, runID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to reset run")
			return fmt.Errorf("reset run: %w", err)
		}
	case mode.FromStep >= 0:
		if mode.FromStep >= len(o.steps) {
			return fmt.Errorf("from-step %d is out of range, pipeline has %d steps", mode.FromStep, len(o.steps))
		}
		err = o.store.ClearFrom(ctx, runID, mode.FromStep)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to clear checkpoints")
			return fmt.Errorf("clear checkpoints from step %d: %w", mode.FromStep, err)
		}
	}

	checkpoints, err := o.store.Checkpoints(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load checkpoints")
		return fmt.Errorf("load checkpoints: %w", err)
	}
	byIdx := indexCheckpoints(checkpoints)
	planned := o.plan(byIdx, mode)

	guardCtx, stopGuard := context.WithCancel(ctx)
	defer stopGuard()
	go o.guard.Run(guardCtx)

	slog.InfoContext(ctx, "starting run",
		"pipeline", o.pipeline, "run_id", runID, "mode", mode.String())

	var stepErr *StepError
	for _, p := range planned {
		if p.Action == ActionSkip {
			// completed checkpoints stay as they are, only steps
			// jumped over without ever completing get marked
			cp, ok := byIdx[p.Idx]
			if !ok || cp.Status != db.STEP_STATUS_COMPLETED {
				err = o.store.Skip(ctx, runID, p.Idx, p.Name)
				if err != nil {
					return fmt.Errorf("mark step %d skipped: %w", p.Idx, err)
				}
			}
			slog.InfoContext(ctx, "skipping step",
				"step", p.Name, "reason", p.Reason)
			continue
		}

		stepErr = o.runStep(ctx, runID, p.Idx, o.steps[p.Idx])
		if stepErr != nil {
			break
		}
		if ctx.Err() != nil {
			stepErr = &StepError{Step: p.Name, Idx: p.Idx, Err: ctx.Err()}
			break
		}
	}

	// past this point the run is being closed out, which must happen
	// even when ctx is already cancelled
	endCtx := context.WithoutCancel(ctx)

	if o.workers != nil {
		_, sweepErr := o.workers.Sweep(endCtx, runID, "run ended")
		if sweepErr != nil {
			slog.WarnContext(endCtx, "failed to sweep workers", "err", sweepErr)
		}
	}

	summary, sumErr := o.summarize(endCtx, runID, stepErr)
	if sumErr != nil {
		slog.WarnContext(endCtx, "failed to summarize run", "err", sumErr)
	}
	status := db.RUN_STATUS_COMPLETED
	if stepErr != nil {
		status = db.RUN_STATUS_FAILED
	}
	err = o.store.CloseRun(endCtx, runID, status, summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close run")
		return fmt.Errorf("close run: %w", err)
	}

	if stepErr != nil {
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, "run halted")
		slog.ErrorContext(endCtx, "run halted",
			"pipeline", o.pipeline, "run_id", runID,
			"step", stepErr.Step, "err", stepErr.Err)
		if o.notify != nil {
			notifyErr := o.notify.RunHalted(endCtx, o.pipeline, runID, stepErr.Step, stepErr.Err)
			if notifyErr != nil {
				slog.WarnContext(endCtx, "failed to send halt notification", "err", notifyErr)
			}
		}
		return fmt.Errorf("run %s halted: %w", runID, stepErr)
	}

	slog.InfoContext(ctx, "run completed",
		"pipeline", o.pipeline, "run_id", runID,
		"total_seconds", fmt.Sprintf("%.1f", summary.TotalSeconds))
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, runID string, idx int, step Step) *StepError {
	ctx, span := tracer.Start(ctx, "orchestrator:runStep", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("step", idx),
		attribute.String("step_name", step.Name()),
	))
	defer span.End()

	err := o.store.Begin(ctx, runID, idx, step.Name())
	if err != nil {
		return &StepError{Step: step.Name(), Idx: idx, Err: fmt.Errorf("begin checkpoint: %w", err)}
	}

	slog.InfoContext(ctx, "running step",
		"run_id", runID, "step", step.Name(), "idx", idx)
	start := time.Now()

	rc := &RunContext{
		RunID:    runID,
		Pipeline: o.pipeline,
		StepIdx:  idx,
		Store:    o.store,
		Workers:  o.workers,
		Rounds:   o.rounds,
		stepName: step.Name(),
		current:  &o.current,
	}
	metrics, err := step.Execute(ctx, rc)

	// checkpoint writes on the way out must survive cancellation,
	// they are what the next resume reads
	endCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		failErr := o.store.Fail(endCtx, runID, idx, err)
		if failErr != nil {
			slog.ErrorContext(endCtx, "failed to record step failure",
				"step", step.Name(), "err", failErr)
		}
		return &StepError{Step: step.Name(), Idx: idx, Err: err}
	}

	err = o.store.Complete(endCtx, runID, idx, checkpoint.StepMetrics(metrics))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record completion")
		return &StepError{Step: step.Name(), Idx: idx, Err: fmt.Errorf("complete checkpoint: %w", err)}
	}

	slog.InfoContext(ctx, "step completed",
		"step", step.Name(),
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"read", metrics.ItemsRead,
		"processed", metrics.ItemsProcessed,
		"inserted", metrics.ItemsInserted,
		"rejected", metrics.ItemsRejected)
	return nil
}

// summarize totals step durations across the run, which stay stable
// across resumes since completed steps keep their checkpoints.
func (o *Orchestrator) summarize(ctx context.Context, runID string, stepErr *StepError) (checkpoint.RunSummary, error) {
	var summary checkpoint.RunSummary
	if stepErr != nil {
		summary.FailingStep = stepErr.Step
	}

	checkpoints, err := o.store.Checkpoints(ctx, runID)
	if err != nil {
		return summary, err
	}
	for _, cp := range checkpoints {
		summary.TotalSeconds += cp.DurationSeconds
		if cp.DurationSeconds > summary.SlowestSeconds {
			summary.SlowestSeconds = cp.DurationSeconds
			summary.SlowestStep = cp.StepName
		}
	}
	return summary, nil
}

func (o *Orchestrator) retireCurrent() {
	if coordinator := o.current.Load(); coordinator != nil {
		coordinator.RetireOne()
	}
}
