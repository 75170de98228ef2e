package pipeline

import (
	"context"
	"fmt"

	"harvest-core/internal/db"
)

type Action string

const (
	// step will execute
	ActionRun Action = "run"
	// step failed before and will execute again
	ActionRerun Action = "rerun"
	// step will not execute this run
	ActionSkip Action = "skip"
)

// PlannedStep is one row of an execution plan.
type PlannedStep struct {
	Idx    int
	Name   string
	Action Action
	Reason string
}

// Plan reports what Run would do for the given mode, without
// touching any state. the plan for a resume of an untouched run is
// every step with ActionRun.
func (o *Orchestrator) Plan(ctx context.Context, runID string, mode Mode) ([]PlannedStep, error) {
	checkpoints, err := o.store.Checkpoints(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	return o.plan(indexCheckpoints(checkpoints), mode), nil
}

func indexCheckpoints(checkpoints []db.StepCheckpoint) map[int]db.StepCheckpoint {
	byIdx := make(map[int]db.StepCheckpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byIdx[int(cp.StepIdx)] = cp
	}
	return byIdx
}

func (o *Orchestrator) plan(byIdx map[int]db.StepCheckpoint, mode Mode) []PlannedStep {
	planned := make([]PlannedStep, 0, len(o.steps))

	switch {
	case mode.Fresh:
		for i, step := range o.steps {
			planned = append(planned, PlannedStep{
				Idx:    i,
				Name:   step.Name(),
				Action: ActionRun,
				Reason: "fresh start",
			})
		}

	case mode.FromStep >= 0:
		for i, step := range o.steps {
			p := PlannedStep{Idx: i, Name: step.Name()}
			cp, ok := byIdx[i]
			switch {
			case i < mode.FromStep && ok && cp.Status == db.STEP_STATUS_COMPLETED:
				p.Action = ActionSkip
				p.Reason = "already completed"
			case i < mode.FromStep:
				p.Action = ActionSkip
				p.Reason = "jumped by from-step start"
			case ok:
				p.Action = ActionRerun
				p.Reason = "forced by from-step start"
			default:
				p.Action = ActionRun
				p.Reason = "forced by from-step start"
			}
			planned = append(planned, p)
		}

	default:
		// resume: skip the completed prefix, rerun the step that
		// halted the previous attempt, run everything after
		resuming := false
		for i, step := range o.steps {
			p := PlannedStep{Idx: i, Name: step.Name()}
			cp, ok := byIdx[i]
			switch {
			case !resuming && ok && cp.Status == db.STEP_STATUS_COMPLETED:
				p.Action = ActionSkip
				p.Reason = "already completed"
			case !resuming && ok && cp.Status == db.STEP_STATUS_FAILED:
				resuming = true
				p.Action = ActionRerun
				p.Reason = "failed last attempt"
				if cp.Error.Valid {
					p.Reason = "failed last attempt: " + truncate(cp.Error.String, 60)
				}
			case !resuming && ok && cp.Status == db.STEP_STATUS_IN_PROGRESS:
				resuming = true
				p.Action = ActionRerun
				p.Reason = "interrupted last attempt"
			default:
				resuming = true
				p.Action = ActionRun
				p.Reason = "not yet run"
			}
			planned = append(planned, p)
		}
	}

	return planned
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
