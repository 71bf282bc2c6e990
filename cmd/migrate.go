package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"github.com/M3kH/gigi/internal/config"
	"github.com/M3kH/gigi/internal/store/sqlite"
	"github.com/M3kH/gigi/migrations"
)

func newMigrator() (*migrate.Migrate, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := sqlite.Open(cfg.Snapshot().Database.Path)
	if err != nil {
		return nil, nil, err
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, func() { db.Close() }, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Run: func(cmd *cobra.Command, args []string) {
				withMigrator(func(m *migrate.Migrate) error {
					if err := m.Up(); err != nil && err != migrate.ErrNoChange {
						return err
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one migration",
			Run: func(cmd *cobra.Command, args []string) {
				withMigrator(func(m *migrate.Migrate) error { return m.Steps(-1) })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Run: func(cmd *cobra.Command, args []string) {
				withMigrator(func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Printf("version %d (dirty=%v)\n", v, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the schema version after a failed migration",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					slog.Error("bad version", "arg", args[0])
					os.Exit(1)
				}
				withMigrator(func(m *migrate.Migrate) error { return m.Force(v) })
			},
		},
	)
	return cmd
}

func withMigrator(fn func(*migrate.Migrate) error) {
	m, cleanup, err := newMigrator()
	if err != nil {
		slog.Error("migrator", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	if err := fn(m); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}
