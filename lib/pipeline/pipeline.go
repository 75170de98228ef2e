package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"harvest-core/lib/checkpoint"
	"harvest-core/lib/proctrack"
	"harvest-core/lib/rounds"

	"github.com/mazen160/go-random"
)

// counters a step reports when it finishes. steps fill what they
// know and leave the rest zero.
type Metrics struct {
	ItemsRead      int
	ItemsProcessed int
	ItemsInserted  int
	ItemsRejected  int
	RoundsUsed     int
}

// MetricsFromResult fills the counters a round coordinator can
// account for. ItemsInserted is the step's to report.
func MetricsFromResult(result rounds.Result) Metrics {
	return Metrics{
		ItemsRead:      result.Attempted,
		ItemsProcessed: result.Succeeded,
		ItemsRejected:  result.Exhausted,
		RoundsUsed:     result.RoundsUsed,
	}
}

// Step is one stage of a pipeline. Execute must return promptly
// after ctx is cancelled, leaving whatever it has already persisted
// in place. a step is re-executed from scratch when a halted run
// resumes, so partial writes must be safe to repeat.
type Step interface {
	Name() string
	Execute(ctx context.Context, rc *RunContext) (Metrics, error)
}

// RunContext is handed to a step's Execute with everything it may
// need from the surrounding run.
type RunContext struct {
	RunID    string
	Pipeline string
	StepIdx  int

	Store   *checkpoint.Store
	Workers *proctrack.Tracker

	// coordinator options for this step, pre-filled from the
	// pipeline configuration. steps usually only set AcquireDriver
	// before calling RunRounds.
	Rounds rounds.Options

	stepName string
	current  *atomic.Pointer[rounds.Coordinator]
}

// RunRounds drives src through retry rounds with the step's
// coordinator options. round stats are persisted as they close.
func (rc *RunContext) RunRounds(ctx context.Context, src rounds.Source) (rounds.Result, error) {
	opts := rc.Rounds
	opts.StepName = rc.stepName
	opts.OnRoundStats = func(ctx context.Context, stats rounds.RoundStats) {
		err := rc.Store.RecordRoundStats(ctx, rc.RunID, rc.StepIdx, stats)
		if err != nil {
			slog.WarnContext(ctx, "failed to persist round stats",
				"run_id", rc.RunID, "step", rc.stepName, "err", err)
		}
	}

	coordinator := rounds.New(opts)
	rc.current.Store(coordinator)
	defer rc.current.CompareAndSwap(coordinator, nil)

	return coordinator.Run(ctx, src)
}

// Mode selects where a run starts.
type Mode struct {
	// discard all previous progress and start over
	Fresh bool
	// start at this step index, clearing it and everything after.
	// negative means start at the first incomplete step.
	FromStep int
}

func ResumeMode() Mode {
	return Mode{FromStep: -1}
}

func FreshMode() Mode {
	return Mode{Fresh: true, FromStep: -1}
}

func FromStepMode(idx int) Mode {
	return Mode{FromStep: idx}
}

func (m Mode) String() string {
	switch {
	case m.Fresh:
		return "fresh"
	case m.FromStep >= 0:
		return fmt.Sprintf("from_step(%d)", m.FromStep)
	default:
		return "resume"
	}
}

// StepError reports which step halted the run.
type StepError struct {
	Step string
	Idx  int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Idx, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewRunID builds a sortable run identifier, timestamp first so
// lexical order is chronological order.
func NewRunID() (string, error) {
	suffix, err := random.String(6)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return time.Now().Format("20060102-150405") + "-" + strings.ToLower(suffix), nil
}
