package db

import _ "embed"

//go:embed schema.sql
var Schema string

const (
	RUN_STATUS_RUNNING   = "running"
	RUN_STATUS_COMPLETED = "completed"
	RUN_STATUS_FAILED    = "failed"
)

const (
	STEP_STATUS_PENDING     = "pending"
	STEP_STATUS_IN_PROGRESS = "in_progress"
	STEP_STATUS_COMPLETED   = "completed"
	STEP_STATUS_FAILED      = "failed"
	STEP_STATUS_SKIPPED     = "skipped"
)

const (
	ROUND_PHASE_ROUND    = "round"
	ROUND_PHASE_FALLBACK = "fallback"
)
