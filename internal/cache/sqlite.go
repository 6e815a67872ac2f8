package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists entries in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the cache database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_timestamp ON cache(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (Entry, error) {
	var (
		value string
		ts    int64
	)
	err := b.db.QueryRowContext(ctx, `SELECT value, timestamp FROM cache WHERE key = ?`, key).Scan(&value, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("select cache entry: %w", err)
	}
	return Entry{Key: key, Value: []byte(value), Timestamp: time.UnixMilli(ts)}, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, e Entry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp
	`, e.Key, string(e.Value), e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache WHERE timestamp <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
