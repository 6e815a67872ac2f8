package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		callback_url TEXT,
		error_kind TEXT,
		error_message TEXT,
		history_id TEXT,
		output_location TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRun(run *Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.ID == "" {
		return errors.New("run.ID is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = StatusQueued
	}
	if run.Stage == "" {
		run.Stage = StageQueued
	}
	var cb *string
	if run.CallbackURL != nil && *run.CallbackURL != "" {
		cb = run.CallbackURL
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, mode, status, stage, message, callback_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, string(run.Status), run.Stage, run.Message, cb, formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateStage records a stage transition. startedAt is only written when provided.
func (s *SQLiteStore) UpdateStage(id string, stage, message string, startedAt *time.Time) error {
	if startedAt != nil {
		_, err := s.db.Exec(`UPDATE runs SET stage = ?, message = ?, status = ?, started_at = ? WHERE id = ?`,
			stage, message, string(StatusRunning), formatTime(*startedAt), id)
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE runs SET stage = ?, message = ?, status = ? WHERE id = ?`,
		stage, message, string(StatusRunning), id)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveResult(id string, historyID, location string, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE runs
		SET history_id = ?, output_location = ?, status = ?, stage = ?, error_kind = NULL, error_message = NULL, completed_at = ?
		WHERE id = ?`,
		nullable(historyID), nullable(location), string(StatusCompleted), "DONE", formatTime(completedAt), id,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveError(id string, kind, errMsg string, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE runs
		SET error_kind = ?, error_message = ?, status = ?, stage = ?, completed_at = ?
		WHERE id = ?`,
		nullable(kind), errMsg, string(StatusFailed), "ERROR", formatTime(completedAt), id,
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT id, mode, status, stage, message, callback_url, error_kind, error_message,
		history_id, output_location, created_at, started_at, completed_at
		FROM runs WHERE id = ?`, id)

	var run Run
	var status string
	var cb, kind, errMsg, hist, loc, created, started, completed sql.NullString

	if err := row.Scan(
		&run.ID,
		&run.Mode,
		&status,
		&run.Stage,
		&run.Message,
		&cb,
		&kind,
		&errMsg,
		&hist,
		&loc,
		&created,
		&started,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = Status(status)
	run.CallbackURL = stringPtr(cb)
	run.ErrorKind = stringPtr(kind)
	run.ErrorMessage = stringPtr(errMsg)
	run.HistoryID = stringPtr(hist)
	run.OutputLocation = stringPtr(loc)
	if t := parseTime(created); t != nil {
		run.CreatedAt = *t
	}
	run.StartedAt = parseTime(started)
	run.CompletedAt = parseTime(completed)
	return &run, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
