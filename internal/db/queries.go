package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const createRun = `
INSERT INTO runs (id, pipeline, status, started_at, current_step)
VALUES (?, ?, ?, ?, -1)
`

type CreateRunParams struct {
	ID        string
	Pipeline  string
	Status    string
	StartedAt int64
}

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) error {
	_, err := q.db.ExecContext(ctx, createRun,
		arg.ID,
		arg.Pipeline,
		arg.Status,
		arg.StartedAt,
	)
	return err
}

const getRun = `
SELECT id, pipeline, status, started_at, ended_at, current_step,
       total_seconds, slowest_step, slowest_seconds, failing_step
FROM runs
WHERE id = ?
`

func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	row := q.db.QueryRowContext(ctx, getRun, id)
	var i Run
	err := row.Scan(
		&i.ID,
		&i.Pipeline,
		&i.Status,
		&i.StartedAt,
		&i.EndedAt,
		&i.CurrentStep,
		&i.TotalSeconds,
		&i.SlowestStep,
		&i.SlowestSeconds,
		&i.FailingStep,
	)
	return i, err
}

const getLatestRun = `
SELECT id, pipeline, status, started_at, ended_at, current_step,
       total_seconds, slowest_step, slowest_seconds, failing_step
FROM runs
WHERE pipeline = ?
ORDER BY started_at DESC
LIMIT 1
`

func (q *Queries) GetLatestRun(ctx context.Context, pipeline string) (Run, error) {
	row := q.db.QueryRowContext(ctx, getLatestRun, pipeline)
	var i Run
	err := row.Scan(
		&i.ID,
		&i.Pipeline,
		&i.Status,
		&i.StartedAt,
		&i.EndedAt,
		&i.CurrentStep,
		&i.TotalSeconds,
		&i.SlowestStep,
		&i.SlowestSeconds,
		&i.FailingStep,
	)
	return i, err
}

const listRuns = `
SELECT id, pipeline, status, started_at, ended_at, current_step,
       total_seconds, slowest_step, slowest_seconds, failing_step
FROM runs
ORDER BY started_at DESC
LIMIT ?
`

func (q *Queries) ListRuns(ctx context.Context, limit int64) ([]Run, error) {
	rows, err := q.db.QueryContext(ctx, listRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Run
	for rows.Next() {
		var i Run
		err := rows.Scan(
			&i.ID,
			&i.Pipeline,
			&i.Status,
			&i.StartedAt,
			&i.EndedAt,
			&i.CurrentStep,
			&i.TotalSeconds,
			&i.SlowestStep,
			&i.SlowestSeconds,
			&i.FailingStep,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const setRunCurrentStep = `
UPDATE runs
SET current_step = ?
WHERE id = ?
`

type SetRunCurrentStepParams struct {
	CurrentStep int64
	ID          string
}

func (q *Queries) SetRunCurrentStep(ctx context.Context, arg SetRunCurrentStepParams) error {
	_, err := q.db.ExecContext(ctx, setRunCurrentStep, arg.CurrentStep, arg.ID)
	return err
}

const reopenRun = `
UPDATE runs
SET status = ?, ended_at = NULL, failing_step = NULL
WHERE id = ?
`

type ReopenRunParams struct {
	Status string
	ID     string
}

func (q *Queries) ReopenRun(ctx context.Context, arg ReopenRunParams) error {
	_, err := q.db.ExecContext(ctx, reopenRun, arg.Status, arg.ID)
	return err
}

const closeRun = `
UPDATE runs
SET status = ?,
    ended_at = ?,
    total_seconds = ?,
    slowest_step = ?,
    slowest_seconds = ?,
    failing_step = ?
WHERE id = ?
`

type CloseRunParams struct {
	Status         string
	EndedAt        sql.NullInt64
	TotalSeconds   float64
	SlowestStep    sql.NullString
	SlowestSeconds float64
	FailingStep    sql.NullString
	ID             string
}

func (q *Queries) CloseRun(ctx context.Context, arg CloseRunParams) error {
	_, err := q.db.ExecContext(ctx, closeRun,
		arg.Status,
		arg.EndedAt,
		arg.TotalSeconds,
		arg.SlowestStep,
		arg.SlowestSeconds,
		arg.FailingStep,
		arg.ID,
	)
	return err
}

const beginStepCheckpoint = `
INSERT INTO step_checkpoints (run_id, step_idx, step_name, status, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id, step_idx) DO UPDATE SET
    step_name = excluded.step_name,
    status = excluded.status,
    started_at = excluded.started_at,
    ended_at = NULL,
    duration_seconds = 0,
    items_read = 0,
    items_processed = 0,
    items_inserted = 0,
    items_rejected = 0,
    rounds_used = 0,
    error = NULL
`

type BeginStepCheckpointParams struct {
	RunID     string
	StepIdx   int64
	StepName  string
	Status    string
	StartedAt sql.NullInt64
}

func (q *Queries) BeginStepCheckpoint(ctx context.Context, arg BeginStepCheckpointParams) error {
	_, err := q.db.ExecContext(ctx, beginStepCheckpoint,
		arg.RunID,
		arg.StepIdx,
		arg.StepName,
		arg.Status,
		arg.StartedAt,
	)
	return err
}

const completeStepCheckpoint = `
UPDATE step_checkpoints
SET status = ?,
    ended_at = ?,
    duration_seconds = ?,
    items_read = ?,
    items_processed = ?,
    items_inserted = ?,
    items_rejected = ?,
    rounds_used = ?
WHERE run_id = ? AND step_idx = ?
`

type CompleteStepCheckpointParams struct {
	Status          string
	EndedAt         sql.NullInt64
	DurationSeconds float64
	ItemsRead       int64
	ItemsProcessed  int64
	ItemsInserted   int64
	ItemsRejected   int64
	RoundsUsed      int64
	RunID           string
	StepIdx         int64
}

func (q *Queries) CompleteStepCheckpoint(ctx context.Context, arg CompleteStepCheckpointParams) error {
	_, err := q.db.ExecContext(ctx, completeStepCheckpoint,
		arg.Status,
		arg.EndedAt,
		arg.DurationSeconds,
		arg.ItemsRead,
		arg.ItemsProcessed,
		arg.ItemsInserted,
		arg.ItemsRejected,
		arg.RoundsUsed,
		arg.RunID,
		arg.StepIdx,
	)
	return err
}

const failStepCheckpoint = `
UPDATE step_checkpoints
SET status = ?, ended_at = ?, duration_seconds = ?, error = ?
WHERE run_id = ? AND step_idx = ?
`

type FailStepCheckpointParams struct {
	Status          string
	EndedAt         sql.NullInt64
	DurationSeconds float64
	Error           sql.NullString
	RunID           string
	StepIdx         int64
}

func (q *Queries) FailStepCheckpoint(ctx context.Context, arg FailStepCheckpointParams) error {
	_, err := q.db.ExecContext(ctx, failStepCheckpoint,
		arg.Status,
		arg.EndedAt,
		arg.DurationSeconds,
		arg.Error,
		arg.RunID,
		arg.StepIdx,
	)
	return err
}

const markStepSkipped = `
INSERT INTO step_checkpoints (run_id, step_idx, step_name, status)
VALUES (?, ?, ?, ?)
ON CONFLICT (run_id, step_idx) DO UPDATE SET
    step_name = excluded.step_name,
    status = excluded.status
`

type MarkStepSkippedParams struct {
	RunID    string
	StepIdx  int64
	StepName string
	Status   string
}

func (q *Queries) MarkStepSkipped(ctx context.Context, arg MarkStepSkippedParams) error {
	_, err := q.db.ExecContext(ctx, markStepSkipped,
		arg.RunID,
		arg.StepIdx,
		arg.StepName,
		arg.Status,
	)
	return err
}

const getStepCheckpoint = `
SELECT run_id, step_idx, step_name, status, started_at, ended_at, duration_seconds,
       items_read, items_processed, items_inserted, items_rejected, rounds_used, error
FROM step_checkpoints
WHERE run_id = ? AND step_idx = ?
`

type GetStepCheckpointParams struct {
	RunID   string
	StepIdx int64
}

func (q *Queries) GetStepCheckpoint(ctx context.Context, arg GetStepCheckpointParams) (StepCheckpoint, error) {
	row := q.db.QueryRowContext(ctx, getStepCheckpoint, arg.RunID, arg.StepIdx)
	var i StepCheckpoint
	err := row.Scan(
		&i.RunID,
		&i.StepIdx,
		&i.StepName,
		&i.Status,
		&i.StartedAt,
		&i.EndedAt,
		&i.DurationSeconds,
		&i.ItemsRead,
		&i.ItemsProcessed,
		&i.ItemsInserted,
		&i.ItemsRejected,
		&i.RoundsUsed,
		&i.Error,
	)
	return i, err
}

const getStepCheckpoints = `
SELECT run_id, step_idx, step_name, status, started_at, ended_at, duration_seconds,
       items_read, items_processed, items_inserted, items_rejected, rounds_used, error
FROM step_checkpoints
WHERE run_id = ?
ORDER BY step_idx ASC
`

func (q *Queries) GetStepCheckpoints(ctx context.Context, runID string) ([]StepCheckpoint, error) {
	rows, err := q.db.QueryContext(ctx, getStepCheckpoints, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StepCheckpoint
	for rows.Next() {
		var i StepCheckpoint
		err := rows.Scan(
			&i.RunID,
			&i.StepIdx,
			&i.StepName,
			&i.Status,
			&i.StartedAt,
			&i.EndedAt,
			&i.DurationSeconds,
			&i.ItemsRead,
			&i.ItemsProcessed,
			&i.ItemsInserted,
			&i.ItemsRejected,
			&i.RoundsUsed,
			&i.Error,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getLastCompletedStep = `
SELECT COALESCE(MAX(step_idx), -1)
FROM step_checkpoints
WHERE run_id = ? AND status = ?
`

type GetLastCompletedStepParams struct {
	RunID  string
	Status string
}

func (q *Queries) GetLastCompletedStep(ctx context.Context, arg GetLastCompletedStepParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, getLastCompletedStep, arg.RunID, arg.Status)
	var idx int64
	err := row.Scan(&idx)
	return idx, err
}

const deleteStepCheckpoints = `
DELETE FROM step_checkpoints
WHERE run_id = ?
`

func (q *Queries) DeleteStepCheckpoints(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, deleteStepCheckpoints, runID)
	return err
}

const deleteStepCheckpointsFrom = `
DELETE FROM step_checkpoints
WHERE run_id = ? AND step_idx >= ?
`

type DeleteStepCheckpointsFromParams struct {
	RunID   string
	StepIdx int64
}

func (q *Queries) DeleteStepCheckpointsFrom(ctx context.Context, arg DeleteStepCheckpointsFromParams) error {
	_, err := q.db.ExecContext(ctx, deleteStepCheckpointsFrom, arg.RunID, arg.StepIdx)
	return err
}

const createRoundStat = `
INSERT INTO round_stats (run_id, step_idx, round, phase, attempted, succeeded, zero_result, errored, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, step_idx, round) DO UPDATE SET
    phase = excluded.phase,
    attempted = excluded.attempted,
    succeeded = excluded.succeeded,
    zero_result = excluded.zero_result,
    errored = excluded.errored,
    started_at = excluded.started_at,
    ended_at = excluded.ended_at
`

type CreateRoundStatParams struct {
	RunID      string
	StepIdx    int64
	Round      int64
	Phase      string
	Attempted  int64
	Succeeded  int64
	ZeroResult int64
	Errored    int64
	StartedAt  int64
	EndedAt    int64
}

func (q *Queries) CreateRoundStat(ctx context.Context, arg CreateRoundStatParams) error {
	_, err := q.db.ExecContext(ctx, createRoundStat,
		arg.RunID,
		arg.StepIdx,
		arg.Round,
		arg.Phase,
		arg.Attempted,
		arg.Succeeded,
		arg.ZeroResult,
		arg.Errored,
		arg.StartedAt,
		arg.EndedAt,
	)
	return err
}

const getRoundStats = `
SELECT run_id, step_idx, round, phase, attempted, succeeded, zero_result, errored, started_at, ended_at
FROM round_stats
WHERE run_id = ?
ORDER BY step_idx ASC, round ASC
`

func (q *Queries) GetRoundStats(ctx context.Context, runID string) ([]RoundStat, error) {
	rows, err := q.db.QueryContext(ctx, getRoundStats, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RoundStat
	for rows.Next() {
		var i RoundStat
		err := rows.Scan(
			&i.RunID,
			&i.StepIdx,
			&i.Round,
			&i.Phase,
			&i.Attempted,
			&i.Succeeded,
			&i.ZeroResult,
			&i.Errored,
			&i.StartedAt,
			&i.EndedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getStepRoundStats = `
SELECT run_id, step_idx, round, phase, attempted, succeeded, zero_result, errored, started_at, ended_at
FROM round_stats
WHERE run_id = ? AND step_idx = ?
ORDER BY round ASC
`

type GetStepRoundStatsParams struct {
	RunID   string
	StepIdx int64
}

func (q *Queries) GetStepRoundStats(ctx context.Context, arg GetStepRoundStatsParams) ([]RoundStat, error) {
	rows, err := q.db.QueryContext(ctx, getStepRoundStats, arg.RunID, arg.StepIdx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RoundStat
	for rows.Next() {
		var i RoundStat
		err := rows.Scan(
			&i.RunID,
			&i.StepIdx,
			&i.Round,
			&i.Phase,
			&i.Attempted,
			&i.Succeeded,
			&i.ZeroResult,
			&i.Errored,
			&i.StartedAt,
			&i.EndedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteRoundStats = `
DELETE FROM round_stats
WHERE run_id = ?
`

func (q *Queries) DeleteRoundStats(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, deleteRoundStats, runID)
	return err
}

const deleteRoundStatsFrom = `
DELETE FROM round_stats
WHERE run_id = ? AND step_idx >= ?
`

type DeleteRoundStatsFromParams struct {
	RunID   string
	StepIdx int64
}

func (q *Queries) DeleteRoundStatsFrom(ctx context.Context, arg DeleteRoundStatsFromParams) error {
	_, err := q.db.ExecContext(ctx, deleteRoundStatsFrom, arg.RunID, arg.StepIdx)
	return err
}

const createWorkerProcess = `
INSERT INTO worker_processes (run_id, step_idx, thread_id, pid, ppid, spawned_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING id
`

type CreateWorkerProcessParams struct {
	RunID     string
	StepIdx   int64
	ThreadID  int64
	Pid       int64
	Ppid      int64
	SpawnedAt int64
}

func (q *Queries) CreateWorkerProcess(ctx context.Context, arg CreateWorkerProcessParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, createWorkerProcess,
		arg.RunID,
		arg.StepIdx,
		arg.ThreadID,
		arg.Pid,
		arg.Ppid,
		arg.SpawnedAt,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const terminateWorkerProcess = `
UPDATE worker_processes
SET terminated_at = ?, reason = ?
WHERE id = ? AND terminated_at IS NULL
`

type TerminateWorkerProcessParams struct {
	TerminatedAt sql.NullInt64
	Reason       sql.NullString
	ID           int64
}

func (q *Queries) TerminateWorkerProcess(ctx context.Context, arg TerminateWorkerProcessParams) error {
	_, err := q.db.ExecContext(ctx, terminateWorkerProcess,
		arg.TerminatedAt,
		arg.Reason,
		arg.ID,
	)
	return err
}

const getWorkerProcesses = `
SELECT id, run_id, step_idx, thread_id, pid, ppid, spawned_at, terminated_at, reason
FROM worker_processes
WHERE run_id = ?
ORDER BY spawned_at ASC, id ASC
`

func (q *Queries) GetWorkerProcesses(ctx context.Context, runID string) ([]WorkerProcess, error) {
	rows, err := q.db.QueryContext(ctx, getWorkerProcesses, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WorkerProcess
	for rows.Next() {
		var i WorkerProcess
		err := rows.Scan(
			&i.ID,
			&i.RunID,
			&i.StepIdx,
			&i.ThreadID,
			&i.Pid,
			&i.Ppid,
			&i.SpawnedAt,
			&i.TerminatedAt,
			&i.Reason,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getOpenWorkerProcesses = `
SELECT id, run_id, step_idx, thread_id, pid, ppid, spawned_at, terminated_at, reason
FROM worker_processes
WHERE run_id = ? AND terminated_at IS NULL
ORDER BY spawned_at ASC, id ASC
`

func (q *Queries) GetOpenWorkerProcesses(ctx context.Context, runID string) ([]WorkerProcess, error) {
	rows, err := q.db.QueryContext(ctx, getOpenWorkerProcesses, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WorkerProcess
	for rows.Next() {
		var i WorkerProcess
		err := rows.Scan(
			&i.ID,
			&i.RunID,
			&i.StepIdx,
			&i.ThreadID,
			&i.Pid,
			&i.Ppid,
			&i.SpawnedAt,
			&i.TerminatedAt,
			&i.Reason,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countOpenWorkerProcesses = `
SELECT COUNT(*)
FROM worker_processes
WHERE run_id = ? AND terminated_at IS NULL
`

func (q *Queries) CountOpenWorkerProcesses(ctx context.Context, runID string) (int64, error) {
	row := q.db.QueryRowContext(ctx, countOpenWorkerProcesses, runID)
	var count int64
	err := row.Scan(&count)
	return count, err
}
