package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	kithttputil "github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/rudderlabs/docqueue/admin"
	"github.com/rudderlabs/docqueue/docstore"
	"github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
	"github.com/rudderlabs/docqueue/jobs/repo"
	"github.com/rudderlabs/docqueue/manager"
	"github.com/rudderlabs/docqueue/pipeline"
	"github.com/rudderlabs/docqueue/pipeline/chunk"
	"github.com/rudderlabs/docqueue/pipeline/embed"
	"github.com/rudderlabs/docqueue/pipeline/fetch"
	migrator "github.com/rudderlabs/docqueue/services/sql-migrator"
	"github.com/rudderlabs/docqueue/utils/dbutil"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Runner wires configuration, logging, stats, the database, the job manager
// and the admin server together and runs them until the context is canceled.
type Runner struct {
	conf        *config.Config
	logger      logger.Logger
	releaseInfo ReleaseInfo
}

func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		conf:        config.Default,
		logger:      logger.NewLogger().Child("runner"),
		releaseInfo: releaseInfo,
	}
}

// Run runs the application and returns the exit code.
func (r *Runner) Run(ctx context.Context) int {
	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance,
		stats.WithServiceName("docqueue"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	)
	if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		r.logger.Errorf("Failed to start stats: %v", err)
		return 1
	}
	defer stats.Default.Stop()

	dsn := r.conf.GetString("DATABASE_URL", "")
	if dsn == "" {
		r.logger.Error("DATABASE_URL is required")
		return 1
	}

	db, err := dbutil.Open(ctx, r.conf, r.logger, stats.Default, dsn)
	if err != nil {
		r.logger.Errorf("Failed to set up database: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := r.migrate(db); err != nil {
		r.logger.Errorf("Failed to migrate database: %v", err)
		return 1
	}

	jobsRepo := repo.NewJobs(db)
	docsRepo := docstore.New(db)

	provider, err := embed.NewProvider(r.conf, r.logger, stats.Default)
	if err != nil {
		r.logger.Errorf("Failed to set up embeddings provider: %v", err)
		return 1
	}

	driver := pipeline.NewDriver(
		r.conf,
		r.logger,
		stats.Default,
		fetch.New(r.conf, r.logger),
		chunk.New(r.conf),
		provider,
		docsRepo,
	)

	jobManager := manager.New(r.conf, r.logger, stats.Default, db, jobsRepo, driver)
	adminAPI := admin.New(r.conf, r.logger, stats.Default, jobsRepo)

	g, gCtx := errgroup.WithContext(ctx)

	if err := jobManager.Start(gCtx); err != nil {
		r.logger.Errorf("Failed to start job manager: %v", err)
		return 1
	}
	g.Go(func() error {
		<-gCtx.Done()
		jobManager.Stop()
		return nil
	})

	if r.conf.GetBoolVar(true, "AdminServer.enabled") {
		g.Go(func() error {
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", r.conf.GetIntVar(8910, 1, "AdminServer.webPort", "ADMIN_WEB_PORT")),
				Handler:           adminAPI.Handler(r.conf),
				ReadHeaderTimeout: 3 * time.Second,
			}
			r.logger.Infof("Starting admin server on %s", srv.Addr)
			return kithttputil.ListenAndServe(gCtx, srv)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		r.logger.Errorf("Terminated with error: %v", err)
		return 1
	}
	r.logger.Infof("Terminated gracefully")
	return 0
}

func (r *Runner) migrate(db *sqlquerywrapper.DB) error {
	for _, migrationsDir := range []string{"jobs", "docstore"} {
		m := &migrator.Migrator{
			Handle:          db.DB,
			MigrationsTable: fmt.Sprintf("%s_migrations", migrationsDir),
		}

		operation := func() error {
			return m.Migrate(migrationsDir)
		}
		backoffWithMaxRetry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.RetryNotify(operation, backoffWithMaxRetry, func(err error, t time.Duration) {
			r.logger.Warnf("retrying %s migration in %s: %v", migrationsDir, t, err)
		}); err != nil {
			return fmt.Errorf("could not migrate %s: %w", migrationsDir, err)
		}
	}
	return nil
}
