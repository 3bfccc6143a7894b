// Package rundb records training runs, their per-step statistics,
// checkpoints and evaluation results in a sqlite database.
package rundb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the run database connection pool.
type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path is the file the database was opened from.
func (db *DB) Path() string { return db.path }

// MigrateUp applies all embedded migrations. An up-to-date schema is not an
// error.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared connection pool.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version and dirty flag. A
// database with no migrations applied reports 0, false.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[RunDB] migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

const (
	maxBusyAttempts  = 5
	initialBusyDelay = 10 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn until it succeeds, fails with a non-busy error, or
// exhausts maxBusyAttempts. The delay doubles after each busy failure.
func retryOnBusy(fn func() error) error {
	delay := initialBusyDelay
	var err error
	for attempt := 1; attempt <= maxBusyAttempts; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxBusyAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database still busy after %d attempts: %w", maxBusyAttempts, err)
}
