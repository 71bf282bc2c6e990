// Package sqlite implements the store interfaces on a single SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/migrations"
)

// Open opens (creating if needed) the database and applies pragmas.
// The returned handle is safe for concurrent use; writes serialize on
// SQLite's single-writer model plus the per-thread locks.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// Migrate applies all pending schema migrations from the embedded FS.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// NewStores wires every store over one database handle. The shared
// ThreadLocks instance enforces single-writer semantics per thread.
func NewStores(db *sql.DB) *store.Stores {
	locks := store.NewThreadLocks()
	return &store.Stores{
		Threads:   &ThreadStore{db: db},
		Events:    &EventStore{db: db, locks: locks},
		Refs:      &RefStore{db: db},
		Usage:     &UsageStore{db: db},
		Actions:   &ActionStore{db: db},
		Config:    &ConfigStore{db: db},
		Questions: &QuestionStore{db: db},
		Tasks:     &TaskStore{db: db},
	}
}

// isUniqueViolation matches SQLite's unique-constraint error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
