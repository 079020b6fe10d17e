// Package migrations embeds the SQL schema for the silo's Postgres store
// (grain state, reminders, membership roster, transaction log) and applies
// it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var Files embed.FS

// Apply runs every pending up migration against db, in version order. It is
// safe to call on every silo startup: already-applied migrations are
// skipped by golang-migrate's schema_migrations bookkeeping.
func Apply(db *sql.DB) error {
	src, err := iofs.New(Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	target, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", target)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
