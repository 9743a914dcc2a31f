package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteDB opens (creating if needed) the database at path and applies the
// schema. SQLite allows one writer, so the pool is pinned to one connection;
// that also makes ":memory:" databases usable.
func NewSQLiteDB(ctx context.Context, path string) (Store, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	d.SetMaxOpenConns(1)

	s := &sqlDB{db: d}
	if err := s.initSchema(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlDB) initSchema(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations/0001_init.up.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
