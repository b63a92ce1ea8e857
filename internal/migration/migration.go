// Package migration creates the accounting schema on startup so a fresh
// deployment is usable without any manual database setup.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
	eventdomain "github.com/skystack/allocd/internal/eventlog/domain"
	instancedomain "github.com/skystack/allocd/internal/instance/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// RunMigrations applies the embedded SQL migrations against postgres.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema through gorm for dialects the SQL
// migrations do not target (sqlite for local runs and tests, mysql).
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&eventdomain.Event{},
		&instancedomain.Size{},
		&instancedomain.Instance{},
		&instancedomain.InstanceStatusHistory{},
		&allocationdomain.AllocationSource{},
		&allocationdomain.AllocationSourceSnapshot{},
		&allocationdomain.UserAllocationSnapshot{},
		&allocationdomain.UserAllocationSource{},
	)
}
