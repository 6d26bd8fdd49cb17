package repo_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/postgres"

	sqlmiddleware "github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
	"github.com/rudderlabs/docqueue/jobs/model"
	"github.com/rudderlabs/docqueue/jobs/repo"
	migrator "github.com/rudderlabs/docqueue/services/sql-migrator"
)

const (
	testWorkerID      = "test-host-1234-000001"
	otherWorkerID     = "test-host-5678-000002"
	testLeaseDuration = 5 * time.Minute
	testZombieGrace   = time.Minute
)

func setupDB(t *testing.T) *sqlmiddleware.DB {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	pgResource, err := postgres.Setup(pool, t)
	require.NoError(t, err)
	t.Log("db:", pgResource.DBDsn)

	err = (&migrator.Migrator{
		Handle:          pgResource.DB,
		MigrationsTable: "jobs_migrations",
	}).Migrate("jobs")
	require.NoError(t, err)

	return sqlmiddleware.New(pgResource.DB)
}

func TestJobsRepo(t *testing.T) {
	db := setupDB(t)

	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	r := repo.NewJobs(db, repo.WithNow(func() time.Time {
		return now
	}))

	t.Run("create", func(t *testing.T) {
		job, err := r.Create(ctx, repo.CreateParams{
			Kind:       model.FullETL,
			Input:      json.RawMessage(`{"url":"https://example.com"}`),
			Priority:   3,
			MaxRetries: 2,
		})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, job.ID)
		require.Equal(t, model.FullETL, job.Kind)
		require.Equal(t, model.Pending, job.Status)
		require.Equal(t, 3, job.Priority)
		require.Equal(t, 0, job.RetryCount)
		require.Equal(t, 2, job.MaxRetries)
		require.Empty(t, job.WorkerID)
		require.Nil(t, job.ScheduledAt)
		require.Nil(t, job.HeartbeatAt)
		require.Nil(t, job.LeaseExpiresAt)
		require.Nil(t, job.CompletedAt)
		require.Equal(t, now, job.CreatedAt)
		require.JSONEq(t, `{"url":"https://example.com"}`, string(job.Input))

		fetched, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job.ID, fetched.ID)
	})

	t.Run("create with unknown kind", func(t *testing.T) {
		_, err := r.Create(ctx, repo.CreateParams{Kind: "reindex"})
		require.Error(t, err)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := r.Get(ctx, uuid.New())
		require.ErrorIs(t, err, model.ErrJobNotFound)
	})
}

func TestJobsRepoClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("higher priority wins over older row", func(t *testing.T) {
		db := setupDB(t)
		now := time.Now().Truncate(time.Second).UTC()
		clock := now
		r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

		lowPriority, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, Priority: 1, MaxRetries: 1})
		require.NoError(t, err)

		clock = now.Add(time.Second)
		highPriority, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, Priority: 5, MaxRetries: 1})
		require.NoError(t, err)

		claimed, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, highPriority.ID, claimed.ID)
		require.Equal(t, model.Running, claimed.Status)
		require.Equal(t, testWorkerID, claimed.WorkerID)
		require.NotNil(t, claimed.HeartbeatAt)
		require.NotNil(t, claimed.LeaseExpiresAt)
		require.Equal(t, clock.Add(testLeaseDuration), *claimed.LeaseExpiresAt)

		claimed, err = r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, lowPriority.ID, claimed.ID)
	})

	t.Run("same priority follows creation order", func(t *testing.T) {
		db := setupDB(t)
		now := time.Now().Truncate(time.Second).UTC()
		clock := now
		r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

		first, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		clock = now.Add(time.Second)
		_, err = r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)

		claimed, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, first.ID, claimed.ID)
	})

	t.Run("future scheduled_at is not eligible until due", func(t *testing.T) {
		db := setupDB(t)
		now := time.Now().Truncate(time.Second).UTC()
		clock := now
		r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

		scheduledAt := now.Add(time.Hour)
		job, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, ScheduledAt: &scheduledAt, MaxRetries: 1})
		require.NoError(t, err)

		claimed, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.Nil(t, claimed)

		// eligible exactly at scheduled_at
		clock = scheduledAt
		claimed, err = r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, job.ID, claimed.ID)
	})

	t.Run("empty queue", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		claimed, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.Nil(t, claimed)
	})

	t.Run("concurrent workers claim distinct jobs", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		const jobCount = 10
		for i := 0; i < jobCount; i++ {
			_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			claimed []uuid.UUID
			wg      sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(workerNum int) {
				defer wg.Done()
				workerID := lo.RandomString(10, lo.LettersCharset)
				for {
					job, err := r.ClaimOne(ctx, workerID, testLeaseDuration)
					require.NoError(t, err)
					if job == nil {
						return
					}
					mu.Lock()
					claimed = append(claimed, job.ID)
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		require.Len(t, claimed, jobCount)
		require.Len(t, lo.Uniq(claimed), jobCount, "every job claimed exactly once")
	})
}

func TestJobsRepoHeartbeat(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	now := time.Now().Truncate(time.Second).UTC()
	clock := now
	r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

	_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
	require.NoError(t, err)
	job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
	require.NoError(t, err)
	require.NotNil(t, job)

	t.Run("extends the lease for the owner", func(t *testing.T) {
		clock = now.Add(time.Minute)
		applied, err := r.Heartbeat(ctx, job.ID, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.True(t, applied)

		fetched, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, clock, *fetched.HeartbeatAt)
		require.Equal(t, clock.Add(testLeaseDuration), *fetched.LeaseExpiresAt)
	})

	t.Run("does not apply for another worker", func(t *testing.T) {
		applied, err := r.Heartbeat(ctx, job.ID, otherWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.False(t, applied)
	})

	t.Run("does not apply after completion", func(t *testing.T) {
		applied, err := r.Complete(ctx, job.ID, testWorkerID, json.RawMessage(`{"ok":true}`))
		require.NoError(t, err)
		require.True(t, applied)

		applied, err = r.Heartbeat(ctx, job.ID, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.False(t, applied)
	})
}

func TestJobsRepoComplete(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	now := time.Now().Truncate(time.Second).UTC()
	r := repo.NewJobs(db, repo.WithNow(func() time.Time { return now }))

	_, err := r.Create(ctx, repo.CreateParams{Kind: model.Chunk, MaxRetries: 1})
	require.NoError(t, err)
	job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
	require.NoError(t, err)
	require.NotNil(t, job)

	applied, err := r.Complete(ctx, job.ID, testWorkerID, json.RawMessage(`{"chunk_count":4}`))
	require.NoError(t, err)
	require.True(t, applied)

	completed, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.Completed, completed.Status)
	require.Empty(t, completed.WorkerID)
	require.Nil(t, completed.HeartbeatAt)
	require.Nil(t, completed.LeaseExpiresAt)
	require.NotNil(t, completed.CompletedAt)
	require.Empty(t, completed.LastError)
	require.JSONEq(t, `{"chunk_count":4}`, string(completed.Output))

	t.Run("terminal states are absorbing", func(t *testing.T) {
		applied, err := r.Complete(ctx, job.ID, testWorkerID, nil)
		require.NoError(t, err)
		require.False(t, applied)

		result, err := r.Fail(ctx, job.ID, testWorkerID, "boom")
		require.NoError(t, err)
		require.Equal(t, repo.FailNoop, result)
	})
}

func TestJobsRepoFail(t *testing.T) {
	ctx := context.Background()

	t.Run("moves to retrying while attempts remain", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 2})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		result, err := r.Fail(ctx, job.ID, testWorkerID, "connection reset")
		require.NoError(t, err)
		require.Equal(t, repo.FailRetried, result)

		failed, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Retrying, failed.Status)
		require.Equal(t, 1, failed.RetryCount)
		require.Equal(t, "connection reset", failed.LastError)
		require.Empty(t, failed.WorkerID)
		require.Nil(t, failed.LeaseExpiresAt)

		// retrying rows are claimable again
		reclaimed, err := r.ClaimOne(ctx, otherWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		require.Equal(t, job.ID, reclaimed.ID)
	})

	t.Run("moves to failed once attempts are exhausted", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		result, err := r.Fail(ctx, job.ID, testWorkerID, "first")
		require.NoError(t, err)
		require.Equal(t, repo.FailRetried, result)

		job, err = r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		result, err = r.Fail(ctx, job.ID, testWorkerID, "second")
		require.NoError(t, err)
		require.Equal(t, repo.FailFailed, result)

		failed, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Failed, failed.Status)
		require.Equal(t, 1, failed.RetryCount, "retry_count never exceeds max_retries")
	})

	t.Run("max_retries zero fails on first failure", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 0})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		result, err := r.Fail(ctx, job.ID, testWorkerID, "boom")
		require.NoError(t, err)
		require.Equal(t, repo.FailFailed, result)
	})

	t.Run("fail permanent bypasses remaining retries", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 5})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		applied, err := r.FailPermanent(ctx, job.ID, testWorkerID, "bad_input: no url")
		require.NoError(t, err)
		require.True(t, applied)

		failed, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Failed, failed.Status)
		require.Equal(t, 0, failed.RetryCount)
	})

	t.Run("wrong worker applies nothing", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		result, err := r.Fail(ctx, job.ID, otherWorkerID, "boom")
		require.NoError(t, err)
		require.Equal(t, repo.FailNoop, result)

		unchanged, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Running, unchanged.Status)
	})
}

func TestJobsRepoScheduleRetry(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	now := time.Now().Truncate(time.Second).UTC()
	clock := now
	r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

	_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 3})
	require.NoError(t, err)
	job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
	require.NoError(t, err)

	result, err := r.Fail(ctx, job.ID, testWorkerID, "timeout")
	require.NoError(t, err)
	require.Equal(t, repo.FailRetried, result)

	retryAt := now.Add(time.Minute)
	require.NoError(t, r.ScheduleRetry(ctx, job.ID, retryAt))

	// not claimable before the backoff elapses
	claimed, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
	require.NoError(t, err)
	require.Nil(t, claimed)

	clock = retryAt
	claimed, err = r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 1, claimed.RetryCount)
}

func TestJobsRepoCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending row cancels directly", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		job, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)

		cancelResult, err := r.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.CancelOK, cancelResult)

		cancelled, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Cancelled, cancelled.Status)

		isCancelled, err := r.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, isCancelled)
	})

	t.Run("retrying row cancels like pending", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 2})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		_, err = r.Fail(ctx, job.ID, testWorkerID, "boom")
		require.NoError(t, err)

		cancelResult, err := r.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.CancelOK, cancelResult)
	})

	t.Run("running row gets the authoritative write immediately", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		cancelResult, err := r.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.CancelOK, cancelResult)

		cancelled, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Cancelled, cancelled.Status)
		require.Empty(t, cancelled.WorkerID)
		require.Nil(t, cancelled.LeaseExpiresAt)

		// the owning worker's heartbeat no longer applies
		applied, err := r.Heartbeat(ctx, job.ID, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		require.False(t, applied)

		// releasing the lease afterwards changes nothing
		require.NoError(t, r.ReleaseLease(ctx, job.ID, testWorkerID))
		unchanged, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Cancelled, unchanged.Status)
	})

	t.Run("idempotent on terminal rows", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		job, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)

		cancelResult, err := r.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.CancelOK, cancelResult)

		before, err := r.Get(ctx, job.ID)
		require.NoError(t, err)

		cancelResult, err = r.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.CancelAlreadyTerminal, cancelResult)

		after, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	})

	t.Run("missing row", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		cancelResult, err := r.RequestCancel(ctx, uuid.New())
		require.NoError(t, err)
		require.Equal(t, model.CancelNotFound, cancelResult)
	})
}

func TestJobsRepoZombies(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers expired leases to retrying", func(t *testing.T) {
		db := setupDB(t)
		now := time.Now().Truncate(time.Second).UTC()
		clock := now
		r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 2})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		// before expiry nothing is a zombie
		zombies, err := r.ListZombies(ctx, testZombieGrace)
		require.NoError(t, err)
		require.Empty(t, zombies)

		clock = now.Add(testLeaseDuration + 2*testZombieGrace)
		zombies, err = r.ListZombies(ctx, testZombieGrace)
		require.NoError(t, err)
		require.Len(t, zombies, 1)
		require.Equal(t, job.ID, zombies[0].ID)

		result, err := r.RecoverZombie(ctx, job.ID, testZombieGrace)
		require.NoError(t, err)
		require.Equal(t, repo.FailRetried, result)

		recovered, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Retrying, recovered.Status)
		require.Equal(t, 1, recovered.RetryCount)
		require.Equal(t, "lease expired", recovered.LastError)
		require.Empty(t, recovered.WorkerID)
		require.Nil(t, recovered.HeartbeatAt)
		require.Nil(t, recovered.LeaseExpiresAt)

		t.Run("recovery is a no-op the second time", func(t *testing.T) {
			result, err := r.RecoverZombie(ctx, job.ID, testZombieGrace)
			require.NoError(t, err)
			require.Equal(t, repo.FailNoop, result)
		})
	})

	t.Run("recovers to failed once attempts are exhausted", func(t *testing.T) {
		db := setupDB(t)
		now := time.Now().Truncate(time.Second).UTC()
		clock := now
		r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 0})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		clock = now.Add(testLeaseDuration + 2*testZombieGrace)
		result, err := r.RecoverZombie(ctx, job.ID, testZombieGrace)
		require.NoError(t, err)
		require.Equal(t, repo.FailFailed, result)

		failed, err := r.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Failed, failed.Status)
		require.Equal(t, "lease expired", failed.LastError)
	})

	t.Run("does not recover an unexpired lease", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)

		result, err := r.RecoverZombie(ctx, job.ID, testZombieGrace)
		require.NoError(t, err)
		require.Equal(t, repo.FailNoop, result)
	})
}

func TestJobsRepoAdminOps(t *testing.T) {
	ctx := context.Background()

	t.Run("retry resets a failed job", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 0})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		_, err = r.Fail(ctx, job.ID, testWorkerID, "boom")
		require.NoError(t, err)

		reset, err := r.Retry(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.Pending, reset.Status)
		require.Equal(t, 0, reset.RetryCount)
		require.Empty(t, reset.LastError)

		t.Run("only failed rows can be reset", func(t *testing.T) {
			_, err := r.Retry(ctx, job.ID)
			require.ErrorIs(t, err, model.ErrJobNotFound)
		})
	})

	t.Run("cleanup removes only old terminal rows", func(t *testing.T) {
		db := setupDB(t)
		now := time.Now().Truncate(time.Second).UTC()
		clock := now.Add(-48 * time.Hour)
		r := repo.NewJobs(db, repo.WithNow(func() time.Time { return clock }))

		// an old completed row
		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		oldJob, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		_, err = r.Complete(ctx, oldJob.ID, testWorkerID, nil)
		require.NoError(t, err)

		// a recent pending row
		clock = now
		recent, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)

		deleted, err := r.CleanupOld(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 1, deleted)

		_, err = r.Get(ctx, oldJob.ID)
		require.ErrorIs(t, err, model.ErrJobNotFound)
		_, err = r.Get(ctx, recent.ID)
		require.NoError(t, err)
	})

	t.Run("stats and list", func(t *testing.T) {
		db := setupDB(t)
		r := repo.NewJobs(db)

		_, err := r.Create(ctx, repo.CreateParams{Kind: model.Crawl, MaxRetries: 1})
		require.NoError(t, err)
		_, err = r.Create(ctx, repo.CreateParams{Kind: model.Chunk, MaxRetries: 1})
		require.NoError(t, err)
		job, err := r.ClaimOne(ctx, testWorkerID, testLeaseDuration)
		require.NoError(t, err)
		_, err = r.Complete(ctx, job.ID, testWorkerID, nil)
		require.NoError(t, err)

		statusCounts, err := r.Stats(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, statusCounts[model.Pending])
		require.EqualValues(t, 1, statusCounts[model.Completed])

		pendingJobs, err := r.List(ctx, repo.ListParams{Status: model.Pending, Limit: 10})
		require.NoError(t, err)
		require.Len(t, pendingJobs, 1)

		chunkJobs, err := r.List(ctx, repo.ListParams{Kind: model.Chunk, Limit: 10})
		require.NoError(t, err)
		require.Len(t, chunkJobs, 1)

		allJobs, err := r.List(ctx, repo.ListParams{Limit: 10})
		require.NoError(t, err)
		require.Len(t, allJobs, 2)
	})
}
