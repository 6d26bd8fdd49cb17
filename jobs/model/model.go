package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobKind selects the pipeline shape a job runs through.
type JobKind string

const (
	FullETL JobKind = "full_etl"
	Crawl   JobKind = "crawl"
	Parse   JobKind = "parse"
	Chunk   JobKind = "chunk"
	Embed   JobKind = "embed"
)

// JobStatus is the authoritative state of a job row.
type JobStatus string

const (
	Pending   JobStatus = "pending"
	Running   JobStatus = "running"
	Completed JobStatus = "completed"
	Failed    JobStatus = "failed"
	Retrying  JobStatus = "retrying"
	Cancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func ValidKind(k string) bool {
	switch JobKind(k) {
	case FullETL, Crawl, Parse, Chunk, Embed:
		return true
	}
	return false
}

func ValidStatus(s string) bool {
	switch JobStatus(s) {
	case Pending, Running, Completed, Failed, Retrying, Cancelled:
		return true
	}
	return false
}

// Job is the central entity of the queue. While a job is running, WorkerID,
// HeartbeatAt and LeaseExpiresAt are set; on any transition out of running
// they are cleared in the same transaction that changes the status.
type Job struct {
	ID       uuid.UUID
	Kind     JobKind
	Input    json.RawMessage
	Status   JobStatus
	Priority int

	ScheduledAt *time.Time
	RetryCount  int
	MaxRetries  int
	LastError   string

	WorkerID       string
	HeartbeatAt    *time.Time
	LeaseExpiresAt *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Output json.RawMessage
}

// CanRetry reports whether one more attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// CancelResult is the outcome of a cancellation request.
type CancelResult string

const (
	CancelOK              CancelResult = "ok"
	CancelAlreadyTerminal CancelResult = "already_terminal"
	CancelNotFound        CancelResult = "not_found"
)

var (
	// ErrJobNotFound is returned when a job id does not resolve to a row.
	ErrJobNotFound = errors.New("job not found")

	// ErrCancelled is the cancellation signal raised by the pipeline driver at
	// a checkpoint. It is not a failure: the job ends in cancelled, not failed.
	ErrCancelled = errors.New("job cancelled")

	// ErrLeaseLost indicates the worker no longer owns the job row. The holder
	// abandons the task silently, another owner is authoritative.
	ErrLeaseLost = errors.New("job lease lost")
)

// ErrorKind classifies pipeline failures for retry decisions.
type ErrorKind string

const (
	ErrKindBadInput    ErrorKind = "bad_input"
	ErrKindTransientIO ErrorKind = "transient_io"
	ErrKindUpstream4xx ErrorKind = "upstream_4xx"
	ErrKindUpstream5xx ErrorKind = "upstream_5xx"
	ErrKindTooLarge    ErrorKind = "too_large"
	ErrKindProvider    ErrorKind = "provider_error"
)

// JobError is a stage failure carrying its error kind, so the manager can
// translate it into the right status transition.
type JobError struct {
	Kind      ErrorKind
	Permanent bool
	Err       error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError wraps err with an error kind. Permanence defaults per kind and
// can be forced with Permanently.
func NewJobError(kind ErrorKind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

// Permanently marks the error non-retryable regardless of its kind.
func (e *JobError) Permanently() *JobError {
	e.Permanent = true
	return e
}

// IsRetryable reports whether a failure should go back through the queue.
// Cancellation is not a failure and is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, ErrLeaseLost) {
		return false
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		// unclassified failures go through normal retry accounting
		return true
	}
	if jobErr.Permanent {
		return false
	}
	switch jobErr.Kind {
	case ErrKindBadInput, ErrKindUpstream4xx, ErrKindTooLarge:
		return false
	default:
		return true
	}
}
