package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPostgresDB connects to dsn. The schema is expected to be in place; run
// ApplyMigrations first.
func NewPostgresDB(ctx context.Context, dsn string) (Store, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &sqlDB{db: d, numbered: true}, nil
}

// NewMigrator returns a migrate instance over the embedded migrations. The
// caller must Close it.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// ApplyMigrations brings the schema at dsn up to date. It returns the
// version before and after.
func ApplyMigrations(dsn string) (from, to uint, err error) {
	m, err := NewMigrator(dsn)
	if err != nil {
		return 0, 0, err
	}
	defer m.Close()

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, 0, fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return from, from, fmt.Errorf("database is in a dirty state (version %d), manual intervention required", from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return from, from, fmt.Errorf("applying migrations: %w", err)
	}
	to, _, err = m.Version()
	if err != nil {
		return from, from, fmt.Errorf("checking migration version: %w", err)
	}
	return from, to, nil
}
