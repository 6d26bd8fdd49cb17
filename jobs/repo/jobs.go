package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
	"github.com/rudderlabs/docqueue/jobs/model"
	"github.com/rudderlabs/docqueue/utils/misc"
)

const jobsTableName = "jobs"

const jobsTableColumns = `
	id,
	kind,
	input,
	status,
	priority,
	scheduled_at,
	retry_count,
	max_retries,
	last_error,
	worker_id,
	heartbeat_at,
	lease_expires_at,
	created_at,
	updated_at,
	completed_at,
	output
`

// leaseExpiredError is persisted as last_error when the sweeper recovers a
// zombie job.
const leaseExpiredError = "lease expired"

// Jobs is the durable job store. Every operation is a single database
// transaction; compare-and-swap style updates predicate on worker_id and
// status so that a worker that lost its lease applies no update.
type Jobs struct {
	*repo
}

func NewJobs(db *sqlquerywrapper.DB, opts ...Opt) *Jobs {
	return &Jobs{repo: newRepo(db, opts...)}
}

// CreateParams are the caller-supplied attributes of a new job.
type CreateParams struct {
	Kind        model.JobKind
	Input       json.RawMessage
	Priority    int
	ScheduledAt *time.Time
	MaxRetries  int
}

// Create inserts a new job in pending state and returns it.
func (j *Jobs) Create(ctx context.Context, params CreateParams) (*model.Job, error) {
	if !model.ValidKind(string(params.Kind)) {
		return nil, fmt.Errorf("creating job: unknown kind %q", params.Kind)
	}
	input := params.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var scheduledAt interface{}
	if params.ScheduledAt != nil {
		scheduledAt = params.ScheduledAt.UTC()
	}

	now := j.now()
	row := j.db.QueryRowContext(ctx, `
		INSERT INTO `+jobsTableName+` (
			id, kind, input, status, priority, scheduled_at, max_retries, created_at, updated_at
		)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+jobsTableColumns+`;
	`,
		misc.FastUUID(),
		params.Kind,
		string(input),
		model.Pending,
		params.Priority,
		scheduledAt,
		params.MaxRetries,
		now,
	)

	var job model.Job
	if err := scanJob(row.Scan, &job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return &job, nil
}

// ClaimOne atomically claims the single most eligible pending or retrying
// job: highest priority first, then earliest scheduled_at (nulls first), then
// earliest created_at, id as the final deterministic tie-break. Rows locked
// by concurrent claimers are skipped, which gives exactly-once dispatch
// without any coordination outside the database. Returns nil when the queue
// is empty.
func (j *Jobs) ClaimOne(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.Job, error) {
	now := j.now()
	row := j.db.QueryRowContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			status = $1,
			worker_id = $2,
			heartbeat_at = $3,
			lease_expires_at = $4,
			updated_at = $3
		WHERE
			id = (
				SELECT
					id
				FROM
					`+jobsTableName+`
				WHERE
					(status = $5 OR status = $6)
					AND (scheduled_at IS NULL OR scheduled_at <= $3)
				ORDER BY
					priority DESC,
					scheduled_at ASC NULLS FIRST,
					created_at ASC,
					id ASC
				FOR UPDATE
				SKIP LOCKED
				LIMIT 1
			)
		RETURNING `+jobsTableColumns+`;
	`,
		model.Running,
		workerID,
		now,
		now.Add(leaseDuration),
		model.Pending,
		model.Retrying,
	)

	var job model.Job
	err := scanJob(row.Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job for worker %s: %w", workerID, err)
	}
	return &job, nil
}

// Heartbeat extends the lease of a running job. It applies only if the row is
// still running under workerID; the returned bool reports whether it did.
func (j *Jobs) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, leaseDuration time.Duration) (bool, error) {
	now := j.now()
	result, err := j.db.ExecContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			heartbeat_at = $1,
			lease_expires_at = $2,
			updated_at = $1
		WHERE
			id = $3 AND worker_id = $4 AND status = $5;
	`,
		now,
		now.Add(leaseDuration),
		jobID,
		workerID,
		model.Running,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat for job %s: %w", jobID, err)
	}
	return applied(result)
}

// Complete finalizes a running job, storing its output and clearing the lease
// fields in the same transaction. The returned bool is false when the row is
// no longer owned by workerID.
func (j *Jobs) Complete(ctx context.Context, jobID uuid.UUID, workerID string, output json.RawMessage) (bool, error) {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	now := j.now()
	result, err := j.db.ExecContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			status = $1,
			output = $2,
			completed_at = $3,
			updated_at = $3,
			last_error = NULL,
			worker_id = NULL,
			heartbeat_at = NULL,
			lease_expires_at = NULL
		WHERE
			id = $4 AND worker_id = $5 AND status = $6;
	`,
		model.Completed,
		string(output),
		now,
		jobID,
		workerID,
		model.Running,
	)
	if err != nil {
		return false, fmt.Errorf("completing job %s: %w", jobID, err)
	}
	return applied(result)
}

// FailResult is the outcome of a Fail or RecoverZombie call.
type FailResult string

const (
	FailRetried FailResult = "retried"
	FailFailed  FailResult = "failed"
	FailNoop    FailResult = "noop"
)

// Fail records a failure on a running job. With attempts remaining the row
// moves to retrying with an incremented retry_count, otherwise to failed.
// Lease fields are cleared either way. An empty workerID skips the ownership
// check, which lets the sweeper drive the same transition. FailNoop means the
// row no longer matched (lost lease) and nothing was written.
func (j *Jobs) Fail(ctx context.Context, jobID uuid.UUID, workerID, jobError string) (FailResult, error) {
	now := j.now()
	row := j.db.QueryRowContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			status = CASE WHEN retry_count + 1 <= max_retries THEN '`+string(model.Retrying)+`' ELSE '`+string(model.Failed)+`' END,
			retry_count = CASE WHEN retry_count + 1 <= max_retries THEN retry_count + 1 ELSE retry_count END,
			last_error = $1,
			updated_at = $2,
			worker_id = NULL,
			heartbeat_at = NULL,
			lease_expires_at = NULL
		WHERE
			id = $3 AND status = $4 AND ($5 = '' OR worker_id = $5)
		RETURNING status;
	`,
		jobError,
		now,
		jobID,
		model.Running,
		workerID,
	)

	var status model.JobStatus
	err := row.Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return FailNoop, nil
	}
	if err != nil {
		return FailNoop, fmt.Errorf("failing job %s: %w", jobID, err)
	}
	if status == model.Retrying {
		return FailRetried, nil
	}
	return FailFailed, nil
}

// FailPermanent moves a running job straight to failed, bypassing retry
// accounting. Used for non-retryable failures such as malformed input.
func (j *Jobs) FailPermanent(ctx context.Context, jobID uuid.UUID, workerID, jobError string) (bool, error) {
	result, err := j.db.ExecContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			status = $1,
			last_error = $2,
			updated_at = $3,
			worker_id = NULL,
			heartbeat_at = NULL,
			lease_expires_at = NULL
		WHERE
			id = $4 AND status = $5 AND ($6 = '' OR worker_id = $6);
	`,
		model.Failed,
		jobError,
		j.now(),
		jobID,
		model.Running,
		workerID,
	)
	if err != nil {
		return false, fmt.Errorf("failing job %s permanently: %w", jobID, err)
	}
	return applied(result)
}

// ScheduleRetry sets the earliest next execution time of a retrying job, used
// by the manager to apply retry backoff before re-dispatch.
func (j *Jobs) ScheduleRetry(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			scheduled_at = $1,
			updated_at = $2
		WHERE
			id = $3 AND status = $4;
	`,
		at.UTC(),
		j.now(),
		jobID,
		model.Retrying,
	)
	if err != nil {
		return fmt.Errorf("scheduling retry for job %s: %w", jobID, err)
	}
	return nil
}

// RequestCancel writes the authoritative cancel flag. Pending and retrying
// rows move to cancelled directly; a running row is also written immediately,
// its worker observes the state through its heartbeat refresh and unwinds at
// the next checkpoint. Terminal rows are refused.
func (j *Jobs) RequestCancel(ctx context.Context, jobID uuid.UUID) (model.CancelResult, error) {
	var cancelResult model.CancelResult

	err := j.db.WithTx(ctx, func(tx *sqlquerywrapper.Tx) error {
		var status model.JobStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM `+jobsTableName+` WHERE id = $1 FOR UPDATE;
		`, jobID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			cancelResult = model.CancelNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking row: %w", err)
		}

		if status.Terminal() {
			cancelResult = model.CancelAlreadyTerminal
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE
				`+jobsTableName+`
			SET
				status = $1,
				updated_at = $2,
				worker_id = NULL,
				heartbeat_at = NULL,
				lease_expires_at = NULL
			WHERE
				id = $3;
		`, model.Cancelled, j.now(), jobID); err != nil {
			return fmt.Errorf("writing cancel: %w", err)
		}
		cancelResult = model.CancelOK
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("requesting cancel for job %s: %w", jobID, err)
	}
	return cancelResult, nil
}

// IsCancelRequested reports whether the authoritative state of the job is
// cancelled.
func (j *Jobs) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var status model.JobStatus
	err := j.db.QueryRowContext(ctx, `
		SELECT status FROM `+jobsTableName+` WHERE id = $1;
	`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, model.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading status for job %s: %w", jobID, err)
	}
	return status == model.Cancelled, nil
}

// ReleaseLease clears the lease fields a worker still holds without changing
// status. Used after the worker observes a cancellation that was written by
// the requester.
func (j *Jobs) ReleaseLease(ctx context.Context, jobID uuid.UUID, workerID string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			worker_id = NULL,
			heartbeat_at = NULL,
			lease_expires_at = NULL,
			updated_at = $1
		WHERE
			id = $2 AND worker_id = $3;
	`, j.now(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("releasing lease for job %s: %w", jobID, err)
	}
	return nil
}

// ListZombies returns running jobs whose lease expired more than grace ago.
func (j *Jobs) ListZombies(ctx context.Context, grace time.Duration) ([]*model.Job, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jobsTableColumns+`
		FROM `+jobsTableName+`
		WHERE status = $1 AND lease_expires_at < $2
		ORDER BY lease_expires_at ASC;
	`, model.Running, j.now().Add(-grace))
	if err != nil {
		return nil, fmt.Errorf("listing zombies: %w", err)
	}
	return parseJobs(rows)
}

// RecoverZombie re-queues or fails a job whose lease expired. It verifies the
// row is still running and still expired under a row lock, so recovering an
// already-recovered row is a no-op. The row keeps "lease expired" as its last
// error.
func (j *Jobs) RecoverZombie(ctx context.Context, jobID uuid.UUID, grace time.Duration) (FailResult, error) {
	recoverResult := FailNoop

	err := j.db.WithTx(ctx, func(tx *sqlquerywrapper.Tx) error {
		var (
			status         model.JobStatus
			leaseExpiresAt sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
			SELECT status, lease_expires_at FROM `+jobsTableName+`
			WHERE id = $1
			FOR UPDATE SKIP LOCKED;
		`, jobID).Scan(&status, &leaseExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking row: %w", err)
		}

		if status != model.Running || !leaseExpiresAt.Valid || !leaseExpiresAt.Time.Before(j.now().Add(-grace)) {
			return nil
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE
				`+jobsTableName+`
			SET
				status = CASE WHEN retry_count + 1 <= max_retries THEN '`+string(model.Retrying)+`' ELSE '`+string(model.Failed)+`' END,
				retry_count = CASE WHEN retry_count + 1 <= max_retries THEN retry_count + 1 ELSE retry_count END,
				last_error = $1,
				updated_at = $2,
				worker_id = NULL,
				heartbeat_at = NULL,
				lease_expires_at = NULL
			WHERE
				id = $3
			RETURNING status;
		`, leaseExpiredError, j.now(), jobID)

		var newStatus model.JobStatus
		if err := row.Scan(&newStatus); err != nil {
			return fmt.Errorf("recovering row: %w", err)
		}
		if newStatus == model.Retrying {
			recoverResult = FailRetried
		} else {
			recoverResult = FailFailed
		}
		return nil
	})
	if err != nil {
		return FailNoop, fmt.Errorf("recovering zombie %s: %w", jobID, err)
	}
	return recoverResult, nil
}

// Get returns the job with the given id.
func (j *Jobs) Get(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT `+jobsTableColumns+` FROM `+jobsTableName+` WHERE id = $1;
	`, jobID)

	var job model.Job
	err := scanJob(row.Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListParams filters and pages a job listing.
type ListParams struct {
	Status model.JobStatus
	Kind   model.JobKind
	Limit  int
	Offset int
}

// List returns jobs most recent first, optionally filtered by status and
// kind.
func (j *Jobs) List(ctx context.Context, params ListParams) ([]*model.Job, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jobsTableColumns+`
		FROM `+jobsTableName+`
		WHERE
			($1 = '' OR status = $1)
			AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4;
	`, string(params.Status), string(params.Kind), limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return parseJobs(rows)
}

// Retry resets a failed job back to pending with zeroed attempt accounting.
func (j *Jobs) Retry(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	row := j.db.QueryRowContext(ctx, `
		UPDATE
			`+jobsTableName+`
		SET
			status = $1,
			retry_count = 0,
			last_error = NULL,
			scheduled_at = NULL,
			completed_at = NULL,
			output = NULL,
			updated_at = $2
		WHERE
			id = $3 AND status = $4
		RETURNING `+jobsTableColumns+`;
	`, model.Pending, j.now(), jobID, model.Failed)

	var job model.Job
	err := scanJob(row.Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retrying job %s: %w", jobID, err)
	}
	return &job, nil
}

// CleanupOld deletes terminal jobs created before the cutoff and returns the
// number of rows removed.
func (j *Jobs) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		DELETE FROM `+jobsTableName+`
		WHERE status = ANY($1) AND created_at < $2;
	`,
		pq.Array([]string{string(model.Completed), string(model.Failed), string(model.Cancelled)}),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up jobs: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleaning up jobs: rows affected: %w", err)
	}
	return count, nil
}

// Stats returns job counts grouped by status.
func (j *Jobs) Stats(ctx context.Context) (map[model.JobStatus]int64, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM `+jobsTableName+` GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	statusCounts := make(map[model.JobStatus]int64)
	for rows.Next() {
		var (
			status model.JobStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("job stats: scanning row: %w", err)
		}
		statusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats: iterating rows: %w", err)
	}
	return statusCounts, nil
}

func applied(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

type scanFn func(dest ...any) error

func scanJob(scan scanFn, job *model.Job) error {
	var (
		inputRaw  []byte
		outputRaw []byte

		scheduledAt    sql.NullTime
		heartbeatAt    sql.NullTime
		leaseExpiresAt sql.NullTime
		completedAt    sql.NullTime

		lastError sql.NullString
		workerID  sql.NullString
	)
	if err := scan(
		&job.ID,
		&job.Kind,
		&inputRaw,
		&job.Status,
		&job.Priority,
		&scheduledAt,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&workerID,
		&heartbeatAt,
		&leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
		&outputRaw,
	); err != nil {
		return err
	}

	job.Input = inputRaw
	job.Output = outputRaw
	job.LastError = lastError.String
	job.WorkerID = workerID.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	if scheduledAt.Valid {
		t := scheduledAt.Time.UTC()
		job.ScheduledAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time.UTC()
		job.HeartbeatAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time.UTC()
		job.LeaseExpiresAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return nil
}

func parseJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobList []*model.Job

	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var job model.Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		jobList = append(jobList, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return jobList, nil
}
