package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql
var postgresFiles embed.FS

//go:embed sqlite/*.sql
var sqliteFiles embed.FS

// MigratePostgres applies all pending Postgres migrations to the database at dbURL.
func MigratePostgres(dbURL string) error {
	src, err := iofs.New(postgresFiles, "postgres")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	return up(m)
}

// MigrateSQLite applies all pending SQLite migrations to db.
// The caller owns db, so the migrate instance is not closed here.
func MigrateSQLite(db *sql.DB) error {
	src, err := iofs.New(sqliteFiles, "sqlite")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", dbDriver)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return up(m)
}

func up(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
