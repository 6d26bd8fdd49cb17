package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/allisson/go-pglock/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spaolacci/murmur3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
	"github.com/rudderlabs/docqueue/jobs/model"
	"github.com/rudderlabs/docqueue/jobs/repo"
	"github.com/rudderlabs/docqueue/pipeline"
	"github.com/rudderlabs/docqueue/utils/misc"
)

const sweeperLockName = "docqueue_zombie_sweeper"

type jobsRepo interface {
	ClaimOne(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, leaseDuration time.Duration) (bool, error)
	Complete(ctx context.Context, jobID uuid.UUID, workerID string, output json.RawMessage) (bool, error)
	Fail(ctx context.Context, jobID uuid.UUID, workerID, jobError string) (repo.FailResult, error)
	FailPermanent(ctx context.Context, jobID uuid.UUID, workerID, jobError string) (bool, error)
	ScheduleRetry(ctx context.Context, jobID uuid.UUID, at time.Time) error
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	ReleaseLease(ctx context.Context, jobID uuid.UUID, workerID string) error
	ListZombies(ctx context.Context, grace time.Duration) ([]*model.Job, error)
	RecoverZombie(ctx context.Context, jobID uuid.UUID, grace time.Duration) (repo.FailResult, error)
}

type pipelineDriver interface {
	Run(ctx context.Context, job *model.Job, probe pipeline.CancelProbe) (json.RawMessage, error)
}

// Manager owns the worker process lifecycle: it polls the store for eligible
// jobs, drives each claimed job with a paired heartbeat goroutine, sweeps
// zombie jobs left behind by dead workers, and shuts down gracefully. The
// database row is the authoritative state; everything the manager keeps in
// memory is advisory.
type Manager struct {
	conf         *config.Config
	logger       logger.Logger
	statsFactory stats.Stats
	db           *sqlquerywrapper.DB
	repo         jobsRepo
	driver       pipelineDriver
	workerID     string
	now          func() time.Time

	config struct {
		pollInterval      time.Duration
		maxConcurrentJobs int
		heartbeatInterval time.Duration
		leaseDuration     time.Duration
		zombieGrace       time.Duration
		shutdownTimeout   time.Duration
		retryBackoffBase  time.Duration
		retryBackoffMax   time.Duration
	}

	stats struct {
		claimed          stats.Counter
		claimLag         stats.Timer
		completed        stats.Counter
		failed           stats.Counter
		retried          stats.Counter
		cancelled        stats.Counter
		abandoned        stats.Counter
		heartbeatMissed  stats.Counter
		zombiesRecovered stats.Counter
	}

	background struct {
		group       *errgroup.Group
		groupCtx    context.Context
		groupCancel context.CancelFunc
	}

	// jobsCtx outlives the polling context so that in-flight jobs keep
	// running during the graceful shutdown window
	jobsCtx    context.Context
	jobsCancel context.CancelFunc

	// heartbeatCtx stops every heartbeat task at once during shutdown
	heartbeatCtx    context.Context
	heartbeatCancel context.CancelFunc

	inFlight sync.WaitGroup

	activeMu sync.Mutex
	active   map[uuid.UUID]*jobTask

	stopping atomic.Bool
}

// jobTask is the in-process handle of one claimed job: the shared cancel flag
// consulted by the driver's checkpoints, refreshed by the heartbeat loop.
type jobTask struct {
	job       *model.Job
	cancelled atomic.Bool
}

func (t *jobTask) probe() bool {
	return t.cancelled.Load()
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	db *sqlquerywrapper.DB,
	jobs jobsRepo,
	driver pipelineDriver,
) *Manager {
	m := &Manager{
		conf:         conf,
		logger:       log.Child("manager"),
		statsFactory: statsFactory,
		db:           db,
		repo:         jobs,
		driver:       driver,
		workerID:     misc.GenerateWorkerID(),
		now:          time.Now,
		active:       make(map[uuid.UUID]*jobTask),
	}

	m.config.pollInterval = conf.GetDurationVar(5, time.Second, "JobManager.pollInterval", "JOB_POLL_INTERVAL")
	m.config.maxConcurrentJobs = conf.GetIntVar(5, 1, "JobManager.maxConcurrentJobs", "MAX_CONCURRENT_JOBS")
	m.config.heartbeatInterval = conf.GetDurationVar(30, time.Second, "JobManager.heartbeatInterval", "HEARTBEAT_INTERVAL")
	m.config.leaseDuration = conf.GetDurationVar(300, time.Second, "JobManager.leaseDuration", "LEASE_DURATION")
	m.config.zombieGrace = conf.GetDurationVar(60, time.Second, "JobManager.zombieGrace")
	m.config.shutdownTimeout = conf.GetDurationVar(30, time.Second, "JobManager.shutdownTimeout")
	m.config.retryBackoffBase = conf.GetDurationVar(60, time.Second, "JobManager.retryBackoffBase")
	m.config.retryBackoffMax = conf.GetDurationVar(3600, time.Second, "JobManager.retryBackoffMax")

	m.stats.claimed = m.statsFactory.NewTaggedStat("jobqueue_claimed", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.claimLag = m.statsFactory.NewTaggedStat("jobqueue_claim_lag", stats.TimerType, stats.Tags{"workerId": m.workerID})
	m.stats.completed = m.statsFactory.NewTaggedStat("jobqueue_completed", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.failed = m.statsFactory.NewTaggedStat("jobqueue_failed", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.retried = m.statsFactory.NewTaggedStat("jobqueue_retried", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.cancelled = m.statsFactory.NewTaggedStat("jobqueue_cancelled", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.abandoned = m.statsFactory.NewTaggedStat("jobqueue_abandoned", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.heartbeatMissed = m.statsFactory.NewTaggedStat("jobqueue_heartbeat_missed", stats.CountType, stats.Tags{"workerId": m.workerID})
	m.stats.zombiesRecovered = m.statsFactory.NewStat("jobqueue_zombies_recovered", stats.CountType)

	return m
}

// WorkerID returns this process's worker identity.
func (m *Manager) WorkerID() string {
	return m.workerID
}

// Start launches the polling loop and the zombie sweeper. It returns once
// both have been scheduled; Stop performs the graceful shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Infof("Starting job manager with worker id %s", m.workerID)

	groupCtx, groupCancel := context.WithCancel(ctx)
	m.background.group, m.background.groupCtx = errgroup.WithContext(groupCtx)
	m.background.groupCancel = groupCancel

	m.jobsCtx, m.jobsCancel = context.WithCancel(context.WithoutCancel(ctx))
	m.heartbeatCtx, m.heartbeatCancel = context.WithCancel(m.jobsCtx)

	// recover whatever a previous incarnation of this process left behind
	m.sweep(m.background.groupCtx)

	m.background.group.Go(func() error {
		m.pollLoop(m.background.groupCtx)
		return nil
	})
	m.background.group.Go(func() error {
		m.sweepLoop(m.background.groupCtx)
		return nil
	})
	return nil
}

// Stop performs the graceful shutdown: stop claiming, flip every in-flight
// job's cancel flag so cooperative stops engage, wait up to shutdownTimeout,
// then abandon. Abandoned jobs are recovered by the next sweep through lease
// expiry.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping job manager %s", m.workerID)
	m.stopping.Store(true)

	m.background.groupCancel()
	_ = m.background.group.Wait()

	m.heartbeatCancel()

	m.activeMu.Lock()
	for _, task := range m.active {
		task.cancelled.Store(true)
	}
	m.activeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Infof("All in-flight jobs drained")
	case <-time.After(m.config.shutdownTimeout):
		m.logger.Warnf("Shutdown timeout elapsed, abandoning in-flight jobs to the sweeper")
	}
	m.jobsCancel()
}

func (m *Manager) pollLoop(ctx context.Context) {
	slots := make(chan struct{}, m.config.maxConcurrentJobs)

	nextPollInterval := func(pollSleep time.Duration) time.Duration {
		pollSleep = 2*pollSleep + time.Duration(rand.Intn(100))*time.Millisecond
		if pollSleep < m.config.pollInterval {
			return pollSleep
		}
		return m.config.pollInterval
	}

	pollSleep := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		job, err := m.repo.ClaimOne(ctx, m.workerID, m.config.leaseDuration)
		switch {
		case err != nil:
			<-slots
			var pqErr *pq.Error
			switch {
			case errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded),
				errors.As(err, &pqErr) && pqErr.Code == "57014":
			default:
				m.logger.Warnf("claiming job: %v", err)
			}
			pollSleep = nextPollInterval(pollSleep)
		case job == nil:
			<-slots
			pollSleep = nextPollInterval(pollSleep)
		default:
			m.stats.claimed.Increment()
			m.stats.claimLag.SendTiming(m.now().Sub(job.CreatedAt))

			m.inFlight.Add(1)
			go func() {
				defer m.inFlight.Done()
				defer func() { <-slots }()
				m.runJob(m.jobsCtx, job)
			}()
			pollSleep = time.Duration(0)
		}

		if err := misc.SleepCtx(ctx, pollSleep); err != nil {
			return
		}
	}
}

// runJob drives one claimed job to a terminal transition, pairing the driver
// with a heartbeat goroutine that keeps the lease alive and refreshes the
// shared cancel flag.
func (m *Manager) runJob(ctx context.Context, job *model.Job) {
	task := &jobTask{job: job}

	m.activeMu.Lock()
	m.active[job.ID] = task
	m.activeMu.Unlock()
	defer func() {
		m.activeMu.Lock()
		delete(m.active, job.ID)
		m.activeMu.Unlock()
	}()

	heartbeatCtx, heartbeatCancel := context.WithCancel(m.heartbeatCtx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		m.heartbeatLoop(heartbeatCtx, task)
	}()

	m.logger.Infof("Running job %s (%s)", job.ID, job.Kind)
	output, runErr := m.driver.Run(ctx, job, task.probe)

	heartbeatCancel()
	<-heartbeatDone

	switch {
	case runErr == nil:
		applied, err := m.repo.Complete(ctx, job.ID, m.workerID, output)
		if err != nil {
			// control-plane failure: no status write, the lease expires and
			// the sweeper recovers the row
			m.logger.Errorf("completing job %s: %v", job.ID, err)
			return
		}
		if !applied {
			m.stats.abandoned.Increment()
			m.logger.Debugf("job %s: lost ownership before completion", job.ID)
			return
		}
		m.stats.completed.Increment()
		m.logger.Infof("Job %s completed", job.ID)

	case errors.Is(runErr, model.ErrCancelled):
		m.finishCancelled(ctx, job)

	case errors.Is(runErr, model.ErrLeaseLost):
		m.stats.abandoned.Increment()

	default:
		m.finishFailed(ctx, job, runErr)
	}
}

// finishCancelled resolves a driver that unwound at a checkpoint: either the
// cancel was requested through the store (terminal write already done by the
// requester), the lease was lost (another owner is authoritative), or this
// worker is shutting down and the job goes back through the queue.
func (m *Manager) finishCancelled(ctx context.Context, job *model.Job) {
	cancelRequested, err := m.repo.IsCancelRequested(ctx, job.ID)
	if err != nil {
		m.logger.Warnf("job %s: reading cancel state: %v", job.ID, err)
		return
	}
	if cancelRequested {
		if err := m.repo.ReleaseLease(ctx, job.ID, m.workerID); err != nil {
			m.logger.Warnf("job %s: releasing lease: %v", job.ID, err)
		}
		m.stats.cancelled.Increment()
		m.logger.Infof("Job %s cancelled", job.ID)
		return
	}

	if m.stopping.Load() {
		// shutdown-induced cooperative stop: requeue through normal retry
		m.finishFailed(ctx, job, fmt.Errorf("worker shutting down"))
		return
	}

	// heartbeat lost the lease, another worker has taken over
	m.stats.abandoned.Increment()
	m.logger.Debugf("job %s: abandoning after lost lease", job.ID)
}

func (m *Manager) finishFailed(ctx context.Context, job *model.Job, runErr error) {
	if !model.IsRetryable(runErr) {
		applied, err := m.repo.FailPermanent(ctx, job.ID, m.workerID, runErr.Error())
		if err != nil {
			m.logger.Errorf("failing job %s: %v", job.ID, err)
			return
		}
		if !applied {
			m.stats.abandoned.Increment()
			return
		}
		m.stats.failed.Increment()
		m.logger.Warnf("Job %s failed permanently: %v", job.ID, runErr)
		return
	}

	failResult, err := m.repo.Fail(ctx, job.ID, m.workerID, runErr.Error())
	if err != nil {
		m.logger.Errorf("failing job %s: %v", job.ID, err)
		return
	}
	switch failResult {
	case repo.FailRetried:
		backoffDelay := m.retryBackoff(job.RetryCount + 1)
		if err := m.repo.ScheduleRetry(ctx, job.ID, m.now().Add(backoffDelay)); err != nil {
			m.logger.Warnf("scheduling retry for job %s: %v", job.ID, err)
		}
		m.stats.retried.Increment()
		m.logger.Warnf("Job %s failed, retrying in %s: %v", job.ID, backoffDelay, runErr)
	case repo.FailFailed:
		m.stats.failed.Increment()
		m.logger.Warnf("Job %s failed permanently: %v", job.ID, runErr)
	case repo.FailNoop:
		m.stats.abandoned.Increment()
	}
}

// heartbeatLoop extends the lease every heartbeatInterval and refreshes the
// shared cancel flag from the authoritative status. A heartbeat that doesn't
// apply means the row is no longer running under this worker, either
// cancelled or taken over, and in both cases the driver must unwind at its
// next checkpoint. Transient heartbeat errors are retried on the next tick;
// if they persist past the lease duration the sweeper takes over anyway.
func (m *Manager) heartbeatLoop(ctx context.Context, task *jobTask) {
	ticker := time.NewTicker(m.config.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		applied, err := m.repo.Heartbeat(ctx, task.job.ID, m.workerID, m.config.leaseDuration)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Warnf("heartbeat for job %s: %v", task.job.ID, err)
			}
			continue
		}
		if !applied {
			m.stats.heartbeatMissed.Increment()
			task.cancelled.Store(true)
			return
		}

		cancelRequested, err := m.repo.IsCancelRequested(ctx, task.job.ID)
		if err == nil && cancelRequested {
			task.cancelled.Store(true)
			return
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	lockID := murmur3.Sum64([]byte(sweeperLockName))
	sweeperLock, err := pglock.NewLock(ctx, int64(lockID), m.db.DB)
	if err != nil {
		m.logger.Errorf("creating sweeper lock: %v", err)
		return
	}

	var locked bool
	defer func() {
		if locked {
			if err := sweeperLock.Unlock(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warnf("unlocking sweeper lock: %v", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.pollInterval):
		}

		if !locked {
			if locked, err = sweeperLock.Lock(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					m.logger.Warnf("acquiring sweeper lock: %v", err)
				}
				continue
			}
			if !locked {
				continue
			}
		}

		m.sweep(ctx)
	}
}

// sweep recovers zombie jobs: running rows whose lease expired beyond the
// grace period, which implies the owner is missing or too slow. Recovery
// re-queues or fails each row atomically, never touching rows whose owner is
// still heartbeating.
func (m *Manager) sweep(ctx context.Context) {
	zombies, err := m.repo.ListZombies(ctx, m.config.zombieGrace)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warnf("listing zombies: %v", err)
		}
		return
	}

	for _, zombie := range zombies {
		result, err := m.repo.RecoverZombie(ctx, zombie.ID, m.config.zombieGrace)
		if err != nil {
			m.logger.Warnf("recovering zombie %s: %v", zombie.ID, err)
			continue
		}
		if result == repo.FailNoop {
			continue
		}
		m.stats.zombiesRecovered.Increment()
		m.logger.Infof("Recovered zombie job %s held by %q: %s", zombie.ID, zombie.WorkerID, result)
	}
}

// retryBackoff computes the exponential re-dispatch delay for the given
// attempt, capped at retryBackoffMax.
func (m *Manager) retryBackoff(retryCount int) time.Duration {
	var expo misc.ExponentialNumber[time.Duration]
	backoffDelay := m.config.retryBackoffBase
	for i := 0; i < retryCount; i++ {
		backoffDelay = expo.Next(m.config.retryBackoffBase, m.config.retryBackoffMax)
	}
	return backoffDelay
}
