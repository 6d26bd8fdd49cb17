package migrator

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rudderlabs/docqueue/sql/migrations"
)

// Migrator applies database schema migrations for one migration group,
// tracking the applied version in its own migrations table.
type Migrator struct {
	// Handle is the database connection to migrate
	Handle *sql.DB

	// MigrationsTable tracks the version of the schema for this group
	MigrationsTable string
}

// Migrate applies all pending migrations from the embedded directory
// migrationsDir. An already up-to-date schema is not an error.
func (m *Migrator) Migrate(migrationsDir string) error {
	sourceDriver, err := iofs.New(migrations.FS, migrationsDir)
	if err != nil {
		return fmt.Errorf("setting up migration source %q: %w", migrationsDir, err)
	}

	databaseDriver, err := postgres.WithInstance(m.Handle, &postgres.Config{
		MigrationsTable: m.MigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("setting up migration driver for %q: %w", migrationsDir, err)
	}

	migration, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", databaseDriver)
	if err != nil {
		return fmt.Errorf("setting up migration %q: %w", migrationsDir, err)
	}

	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migration %q: %w", migrationsDir, err)
	}
	return nil
}
