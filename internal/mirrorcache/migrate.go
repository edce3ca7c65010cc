package mirrorcache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlite3m "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// applyMigrations brings db's schema up to date with the embedded migration
// set. Every mirror file shares the same schema, so this runs once per
// opened file regardless of which tables that file will actually hold.
func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("mirrorcache: loading embedded migrations: %w", err)
	}

	driver, err := sqlite3m.WithInstance(db, &sqlite3m.Config{})
	if err != nil {
		return fmt.Errorf("mirrorcache: attaching migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("mirrorcache: constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("mirrorcache: applying migrations: %w", err)
	}
	return nil
}
