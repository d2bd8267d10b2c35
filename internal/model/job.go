package model

import "time"

type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobError    JobStatus = "error"
	JobCanceled JobStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobError, JobCanceled:
		return true
	default:
		return false
	}
}

// RunRequest narrows a cycle to the named scripts and device ids. Empty
// lists select everything.
type RunRequest struct {
	Scripts   []string `json:"scripts,omitempty"`
	DeviceIDs []string `json:"deviceIds,omitempty"`
}

// Job is an asynchronous cycle invocation. Timestamps are Unix milliseconds.
type Job struct {
	ID         string       `json:"id"`
	Status     JobStatus    `json:"status"`
	CreatedTS  int64        `json:"created_ts"`
	StartedTS  *int64       `json:"started_ts"`
	FinishedTS *int64       `json:"finished_ts"`
	Payload    RunRequest   `json:"payload"`
	Result     *CycleResult `json:"result"`
}

type CycleStatus string

const (
	CycleOK       CycleStatus = "ok"
	CycleDisabled CycleStatus = "disabled"
	CycleKilled   CycleStatus = "killed"
	CycleError    CycleStatus = "error"
	CycleBusy     CycleStatus = "busy"
	CycleCanceled CycleStatus = "canceled"
)

// CycleResult is the outcome of one cycle as reported to callers.
type CycleResult struct {
	Status       CycleStatus `json:"status"`
	Items        int         `json:"items"`
	DurationMS   int64       `json:"duration_ms,omitempty"`
	Published    *bool       `json:"published,omitempty"`
	PublishError string      `json:"publish_error,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	Stats        *CycleStats `json:"stats,omitempty"`
}

// CycleStats counts the failures a cycle absorbed.
type CycleStats struct {
	ScriptsSkipped    int `json:"scripts_skipped"`
	RunsFailed        int `json:"runs_failed"`
	RunsTimedOut      int `json:"runs_timed_out"`
	TelemetryFailures int `json:"telemetry_failures"`
}

// Snapshot is the engine state shown by the status endpoint.
type Snapshot struct {
	Status             string  `json:"status"`
	Enabled            *bool   `json:"enabled"`
	LastCycleTS        *int64  `json:"last_cycle_ts"`
	LastSuccessTS      *int64  `json:"last_success_ts"`
	LastItems          *int    `json:"last_items"`
	LastDurationMS     *int64  `json:"last_duration_ms"`
	LastError          *string `json:"last_error"`
	LastErrorTS        *int64  `json:"last_error_ts"`
	LastPublishError   *string `json:"last_publish_error"`
	LastPublishErrorTS *int64  `json:"last_publish_error_ts"`
	RunningJobID       *string `json:"running_job_id"`
}

type KillStatus string

const (
	KillKilling KillStatus = "killing"
	KillIdle    KillStatus = "idle"
)

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
