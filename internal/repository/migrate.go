package repository

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// runMigrations applies every pending migration for the driver. It takes its
// own connection because closing a migrate instance closes the database.
func runMigrations(driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case "sqlite":
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: "schema_migrations"})
	case "postgres":
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	default:
		err = fmt.Errorf("no migrations for driver %s", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
