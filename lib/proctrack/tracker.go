package proctrack

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"harvest-core/internal/db"
	"harvest-core/lib/telemetry"

	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("harvest.lib.proctrack")

// how long a terminated process gets to exit on SIGTERM before the
// group is killed outright
const terminateGrace = time.Second * 2

// Tracker spawns worker processes and keeps a durable record of
// every one of them, so that a hard stop can always find and kill
// whatever is still running.
type Tracker struct {
	qry *db.Queries
}

func New(database *sql.DB) *Tracker {
	return &Tracker{qry: db.New(database)}
}

type Spec struct {
	RunID   string
	StepIdx int
	Thread  int
	Command string
	Args    []string
	Dir     string
	// nil inherits the parent environment
	Env []string
}

// Worker is a live, tracked process handle.
type Worker struct {
	ID  int64
	Pid int

	cmd *exec.Cmd
}

// Spawn starts the process and records it the moment the pid exists,
// before any readiness handshake. a process whose record cannot be
// written is killed immediately rather than left untracked.
func (t *Tracker) Spawn(ctx context.Context, spec Spec) (*Worker, error) {
	ctx, span := tracer.Start(ctx, "tracker:Spawn", trace.WithAttributes(
		attribute.String("run_id", spec.RunID),
		attribute.Int("step", spec.StepIdx),
		attribute.Int("thread", spec.Thread),
		attribute.String("command", spec.Command),
	))
	defer span.End()

	if spec.Command == "" {
		return nil, fmt.Errorf("spawn: no command configured")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// own process group so that kills take the whole subtree down
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err := cmd.Start()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start worker process")
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	pid := cmd.Process.Pid

	id, err := t.qry.CreateWorkerProcess(ctx, db.CreateWorkerProcessParams{
		RunID:     spec.RunID,
		StepIdx:   int64(spec.StepIdx),
		ThreadID:  int64(spec.Thread),
		Pid:       int64(pid),
		Ppid:      int64(os.Getpid()),
		SpawnedAt: time.Now().Unix(),
	})
	if err != nil {
		killGroup(pid)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record worker process")
		return nil, fmt.Errorf("record worker process: %w", err)
	}

	// reap in the background so the child never zombies
	go cmd.Wait()

	slog.DebugContext(
		ctx, "spawned worker process",
		"run_id", spec.RunID,
		"step", spec.StepIdx,
		"thread", spec.Thread,
		"pid", pid,
	)
	return &Worker{ID: id, Pid: pid, cmd: cmd}, nil
}

// Terminate kills the worker if it is still alive and closes its
// record. calling it twice is harmless.
func (t *Tracker) Terminate(ctx context.Context, w *Worker, reason string) error {
	if w == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "tracker:Terminate", trace.WithAttributes(
		attribute.Int64("worker_id", w.ID),
		attribute.Int("pid", w.Pid),
		attribute.String("reason", reason),
	))
	defer span.End()

	terminatePid(ctx, w.Pid)
	err := t.closeRecord(ctx, w.ID, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close worker record")
		return err
	}
	return nil
}

// Sweep kills and closes every still-open worker record of a run. it
// is safe at any time, including after a crash when the processes
// are long gone, and reports how many records it closed.
func (t *Tracker) Sweep(ctx context.Context, runID string, reason string) (int, error) {
	ctx, span := tracer.Start(ctx, "tracker:Sweep", trace.WithAttributes(
		attribute.String("run_id", runID),
	))
	defer span.End()

	open, err := t.qry.GetOpenWorkerProcesses(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list open worker records")
		return 0, err
	}

	closed := 0
	for _, record := range open {
		if recordStillRunning(ctx, record) {
			terminatePid(ctx, int(record.Pid))
		}
		err := t.closeRecord(ctx, record.ID, reason)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to close worker record")
			return closed, err
		}
		closed++
	}

	if closed > 0 {
		slog.InfoContext(
			ctx, "swept worker processes",
			"run_id", runID,
			"closed", closed,
			"reason", reason,
		)
	}
	return closed, nil
}

// Alive reports whether the worker's process still exists.
func (t *Tracker) Alive(ctx context.Context, w *Worker) bool {
	if w == nil {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(w.Pid))
	return err == nil && exists
}

// Records lists every worker record of a run, terminated or not.
func (t *Tracker) Records(ctx context.Context, runID string) ([]db.WorkerProcess, error) {
	return t.qry.GetWorkerProcesses(ctx, runID)
}

// OpenCount is the number of worker records without a termination
// time. after a stop or sweep this must be zero.
func (t *Tracker) OpenCount(ctx context.Context, runID string) (int64, error) {
	return t.qry.CountOpenWorkerProcesses(ctx, runID)
}

func (t *Tracker) closeRecord(ctx context.Context, id int64, reason string) error {
	return t.qry.TerminateWorkerProcess(ctx, db.TerminateWorkerProcessParams{
		TerminatedAt: sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
		Reason:       sql.NullString{String: reason, Valid: reason != ""},
		ID:           id,
	})
}

// a record's pid may have been recycled by the OS since the record
// was written. only treat the process as ours when it was born
// before the record.
func recordStillRunning(ctx context.Context, record db.WorkerProcess) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(record.Pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(record.Pid))
	if err != nil {
		return false
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return true
	}
	return created/1000 <= record.SpawnedAt+1
}

// SIGTERM the group, give it a moment, then SIGKILL whatever is
// left.
func terminatePid(ctx context.Context, pid int) {
	err := killGroupWith(pid, syscall.SIGTERM)
	if err != nil {
		return
	}

	deadline := time.Now().Add(terminateGrace)
	for time.Now().Before(deadline) {
		exists, err := process.PidExistsWithContext(ctx, int32(pid))
		if err != nil || !exists {
			return
		}
		select {
		case <-ctx.Done():
			killGroup(pid)
			return
		case <-time.After(time.Millisecond * 100):
		}
	}
	killGroup(pid)
}

func killGroup(pid int) {
	killGroupWith(pid, syscall.SIGKILL)
}

func killGroupWith(pid int, sig syscall.Signal) error {
	// negative pid targets the whole process group
	return syscall.Kill(-pid, sig)
}
