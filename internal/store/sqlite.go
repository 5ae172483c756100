package store

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type sqliteBackend struct{ db *sql.DB }

// NewSQLiteStore opens (and migrates) a SQLite-backed credential store.
func NewSQLiteStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: migrate")
	}
	return &Store{b: b}, nil
}

func (b *sqliteBackend) migrate() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS credentials (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`)
	return err
}

func (b *sqliteBackend) get(ctx context.Context, key string) (string, error) {
	row := b.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key)
	var value string
	switch err := row.Scan(&value); err {
	case nil:
		return value, nil
	case sql.ErrNoRows:
		return "", nil
	default:
		return "", errors.Wrapf(err, "store: read %s", key)
	}
}

func (b *sqliteBackend) set(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, value)
	return errors.Wrapf(err, "store: write %s", key)
}

func (b *sqliteBackend) del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM credentials WHERE key IN (`+placeholders+`)`, args...)
	return errors.Wrap(err, "store: delete")
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
