package resultstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationsPath is the on-disk location of this package's .sql migration
// files, relative to the process's working directory in the container
// image the engine ships in.
const MigrationsPath = "internal/resultstore/migrations"

// Migrate applies every pending up migration to db. It is idempotent: a
// database already at the latest version returns no error.
func Migrate(db *sql.DB, migrationsPath string) error {
	if migrationsPath == "" {
		migrationsPath = MigrationsPath
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("resultstore: build postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("resultstore: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("resultstore: apply migrations: %w", err)
	}
	return nil
}
