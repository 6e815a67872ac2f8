package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLExecutor is the subset of pgxpool.Pool the store needs.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	timestamp BIGINT NOT NULL,
	output_image TEXT NOT NULL,
	inputs JSONB NOT NULL,
	blueprint JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history (timestamp DESC);
`

// PostgresStore keeps history in PostgreSQL.
type PostgresStore struct {
	sql  SQLExecutor
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an executor. The caller owns its lifecycle.
func NewPostgresStore(sql SQLExecutor) *PostgresStore {
	return &PostgresStore{sql: sql}
}

// OpenPostgres connects a pool, applies the schema and returns a store owning the pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := &PostgresStore{sql: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.sql.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	inputs, bp, err := encodeParts(e)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, `
INSERT INTO history (id, timestamp, output_image, inputs, blueprint)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET timestamp = EXCLUDED.timestamp, output_image = EXCLUDED.output_image,
	inputs = EXCLUDED.inputs, blueprint = EXCLUDED.blueprint;
`, e.ID, e.Timestamp.UnixMilli(), e.OutputImage, inputs, bp)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, timestamp, output_image, inputs, blueprint FROM history ORDER BY timestamp DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.sql.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanPGEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.sql.QueryRow(ctx, `SELECT id, timestamp, output_image, inputs, blueprint FROM history WHERE id = $1`, id)
	e, err := scanPGEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.sql.Exec(ctx, `DELETE FROM history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) (int64, error) {
	tag, err := s.sql.Exec(ctx, `DELETE FROM history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanPGEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var ms int64
	var inputs, bp []byte
	if err := row.Scan(&e.ID, &ms, &e.OutputImage, &inputs, &bp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if err := decodeParts(&e, ms, inputs, bp); err != nil {
		return nil, err
	}
	return &e, nil
}
