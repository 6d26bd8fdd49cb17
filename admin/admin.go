package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/docqueue/jobs/model"
	"github.com/rudderlabs/docqueue/jobs/repo"
	"github.com/rudderlabs/docqueue/utils/timeutil"
)

type jobsRepo interface {
	Create(ctx context.Context, params repo.CreateParams) (*model.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*model.Job, error)
	List(ctx context.Context, params repo.ListParams) ([]*model.Job, error)
	RequestCancel(ctx context.Context, jobID uuid.UUID) (model.CancelResult, error)
	Retry(ctx context.Context, jobID uuid.UUID) (*model.Job, error)
	CleanupOld(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (map[model.JobStatus]int64, error)
}

// Admin exposes the job management operations consumed by the HTTP surface:
// enqueue, cancel, status, list, retry, cleanup and statistics.
type Admin struct {
	logger       logger.Logger
	statsFactory stats.Stats
	jobs         jobsRepo
	now          func() time.Time

	defaultMaxRetries int
	enqueued          stats.Counter
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, jobs jobsRepo) *Admin {
	return &Admin{
		logger:            log.Child("admin"),
		statsFactory:      statsFactory,
		jobs:              jobs,
		now:               timeutil.Now,
		defaultMaxRetries: conf.GetIntVar(3, 1, "JobManager.maxRetries"),
		enqueued:          statsFactory.NewStat("jobqueue_enqueued", stats.CountType),
	}
}

// EnqueueRequest carries the attributes of a job to create.
type EnqueueRequest struct {
	Kind        string          `json:"kind"`
	Input       json.RawMessage `json:"input"`
	Priority    int             `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxRetries  *int            `json:"max_retries"`
}

// Enqueue creates a new pending job and returns its id.
func (a *Admin) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	if !model.ValidKind(req.Kind) {
		return uuid.Nil, fmt.Errorf("unknown job kind %q", req.Kind)
	}

	maxRetries := a.defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return uuid.Nil, fmt.Errorf("max_retries must not be negative")
		}
		maxRetries = *req.MaxRetries
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	input, err := sjson.SetBytes(input, "metadata.enqueued_at", a.now().Format(time.RFC3339))
	if err != nil {
		return uuid.Nil, fmt.Errorf("stamping input metadata: %w", err)
	}

	job, err := a.jobs.Create(ctx, repo.CreateParams{
		Kind:        model.JobKind(req.Kind),
		Input:       input,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		return uuid.Nil, err
	}

	a.enqueued.Increment()
	a.logger.Infof("Enqueued job %s (%s)", job.ID, job.Kind)
	return job.ID, nil
}

// Cancel requests cancellation of a job.
func (a *Admin) Cancel(ctx context.Context, jobID uuid.UUID) (model.CancelResult, error) {
	return a.jobs.RequestCancel(ctx, jobID)
}

// Status returns the full projection of one job.
func (a *Admin) Status(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	return a.jobs.Get(ctx, jobID)
}

// List returns a page of jobs, optionally filtered by status and kind.
func (a *Admin) List(ctx context.Context, status, kind string, limit, offset int) ([]*model.Job, error) {
	if status != "" && !model.ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if kind != "" && !model.ValidKind(kind) {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return a.jobs.List(ctx, repo.ListParams{
		Status: model.JobStatus(status),
		Kind:   model.JobKind(kind),
		Limit:  limit,
		Offset: offset,
	})
}

// Retry resets a failed job back to pending with zeroed attempt accounting.
func (a *Admin) Retry(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	return a.jobs.Retry(ctx, jobID)
}

// Cleanup deletes terminal jobs older than the given number of days and
// returns how many were removed.
func (a *Admin) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := a.now().AddDate(0, 0, -olderThanDays)
	count, err := a.jobs.CleanupOld(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		a.logger.Infof("Cleaned up %d jobs older than %d days", count, olderThanDays)
	}
	return count, nil
}

// Stats returns job counts by status.
func (a *Admin) Stats(ctx context.Context) (map[model.JobStatus]int64, error) {
	return a.jobs.Stats(ctx)
}
