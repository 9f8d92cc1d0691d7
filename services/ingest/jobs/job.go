// Package jobs runs ingestion requests asynchronously and tracks their state.
package jobs

import (
	"context"
	"errors"
	"time"

	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/tree"
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailure }

// Outcome is the pipeline verdict carried inside a finished job's result.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

const (
	MessageProcessed = "Archive processed successfully."
	MessageEmpty     = "Archive processed, but it is empty or has no viewable files."
	MessageCached    = "Archive processed successfully (from cache)."
)

// Result is what the pipeline produced. A SUCCESS job may still carry a
// FAILURE outcome when a stage failed in an expected way.
type Result struct {
	Outcome   Outcome    `json:"outcome"`
	SessionID string     `json:"session_id"`
	Structure *tree.Node `json:"structure,omitempty"`
	Message   string     `json:"message,omitempty"`
	ErrorKind errs.Kind  `json:"error_kind,omitempty"`
}

// Job is the tracked unit of work for one submission.
type Job struct {
	ID          string     `json:"job_id"`
	Fingerprint string     `json:"fingerprint"`
	URL         string     `json:"url"`
	SessionID   string     `json:"session_id"`
	State       State      `json:"state"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Task is the message handed to an executor.
type Task struct {
	JobID       string `json:"job_id"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
	SessionID   string `json:"session_id"`
}

// ErrStateConflict is returned when a transition's precondition does not hold.
var ErrStateConflict = errors.New("jobs: state conflict")

// Store persists jobs. MarkStarted only moves PENDING jobs and Finish only
// moves STARTED jobs, so a job runs at most once however often its task is
// delivered.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	MarkStarted(ctx context.Context, id string, at time.Time) error
	Finish(ctx context.Context, id string, state State, result *Result, errMsg string, at time.Time) error
	// ListStale returns STARTED jobs claimed before startedBefore.
	ListStale(ctx context.Context, startedBefore time.Time) ([]Job, error)
}

func notFound(id string) error {
	return errs.Newf(errs.KindNotFound, "job", "job %s not found", id)
}
