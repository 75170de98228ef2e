package db

import "database/sql"

type Run struct {
	ID             string
	Pipeline       string
	Status         string
	StartedAt      int64
	EndedAt        sql.NullInt64
	CurrentStep    int64
	TotalSeconds   float64
	SlowestStep    sql.NullString
	SlowestSeconds float64
	FailingStep    sql.NullString
}

type StepCheckpoint struct {
	RunID           string
	StepIdx         int64
	StepName        string
	Status          string
	StartedAt       sql.NullInt64
	EndedAt         sql.NullInt64
	DurationSeconds float64
	ItemsRead       int64
	ItemsProcessed  int64
	ItemsInserted   int64
	ItemsRejected   int64
	RoundsUsed      int64
	Error           sql.NullString
}

type RoundStat struct {
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

type WorkerProcess struct {
	ID           int64
	RunID        string
	StepIdx      int64
	ThreadID     int64
	Pid          int64
	Ppid         int64
	SpawnedAt    int64
	TerminatedAt sql.NullInt64
	Reason       sql.NullString
}
