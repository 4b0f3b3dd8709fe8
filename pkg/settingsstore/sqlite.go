package settingsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent Store implementation: a single key/value
// table with an upsert-on-conflict write path and a plain SELECT read path.
//
// go.mau.fi/util/dbutil's root-database constructor needs a parent bridge
// object to derive from, which doesn't exist standalone here; rather than
// guess at its signature, SQLiteStore opens *sql.DB directly via
// modernc.org/sqlite and hand-rolls the same QueryRow/Exec call shape dbutil
// exposes. See DESIGN.md.
type SQLiteStore struct {
	db *sql.DB
	c  *coalescer
}

// Open creates (or reuses) a SQLite database at path and ensures the
// settings table exists.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settingsstore: open: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("settingsstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db, c: newCoalescer()}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetString(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("settingsstore: get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetString(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("settingsstore: set %q: %w", key, err)
	}
	s.c.notify(key)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("settingsstore: delete %q: %w", key, err)
	}
	s.c.notify(key)
	return nil
}

func (s *SQLiteStore) Subscribe(keys []string, fn func(key string)) func() {
	return s.c.subscribe(keys, fn)
}

var _ Store = (*SQLiteStore)(nil)
