package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
)

// Open connects to Postgres and wraps the handle with the query middleware.
func Open(ctx context.Context, conf *config.Config, log logger.Logger, statsFactory stats.Stats, dsn string) (*sqlquerywrapper.DB, error) {
	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open: %w", err)
	}
	database.SetMaxOpenConns(conf.GetIntVar(20, 1, "Database.maxOpenConnections"))
	database.SetMaxIdleConns(conf.GetIntVar(5, 1, "Database.maxIdleConnections"))
	database.SetConnMaxIdleTime(conf.GetDurationVar(5, time.Minute, "Database.connMaxIdleTime"))

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("could not ping: %w", err)
	}

	return sqlquerywrapper.New(
		database,
		sqlquerywrapper.WithLogger(log.Child("db")),
		sqlquerywrapper.WithStats(statsFactory),
		sqlquerywrapper.WithQueryTimeout(conf.GetDurationVar(5, time.Minute, "Database.queryTimeout")),
		sqlquerywrapper.WithSlowQueryThreshold(conf.GetDurationVar(10, time.Second, "Database.slowQueryThreshold")),
	), nil
}
