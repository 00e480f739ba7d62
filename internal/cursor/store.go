// Package cursor persists the poll cursor and training-run history in a
// local SQLite database so a restarted process resumes where it stopped.
package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS poll_cursor (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cursor TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS training_runs (
	id TEXT PRIMARY KEY,
	trigger_source TEXT NOT NULL,
	status TEXT NOT NULL,
	categories INTEGER NOT NULL DEFAULT 0,
	samples INTEGER NOT NULL DEFAULT 0,
	cid TEXT,
	error TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs(started_at DESC);
`

// TrainingRun is one row of retraining history.
type TrainingRun struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	Categories int        `json:"categories"`
	Samples    int        `json:"samples"`
	CID        string     `json:"cid,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the store at path, applying the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cursor database directory: %w", err)
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=foreign_keys(1)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database: %w", err)
	}
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping cursor database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply cursor database schema: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// LoadCursor returns the stored poll cursor, or nil if none was saved yet.
func (s *Store) LoadCursor() (*string, error) {
	var cursor sql.NullString
	err := s.conn.QueryRow("SELECT cursor FROM poll_cursor WHERE id = 1").Scan(&cursor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	if !cursor.Valid {
		return nil, nil
	}
	return &cursor.String, nil
}

// SaveCursor upserts the poll cursor. A nil cursor is stored as NULL,
// meaning the stream was exhausted.
func (s *Store) SaveCursor(cursor *string) error {
	var value sql.NullString
	if cursor != nil {
		value = sql.NullString{String: *cursor, Valid: true}
	}

	_, err := s.conn.Exec(`
		INSERT INTO poll_cursor (id, cursor, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// BeginTrainingRun records the start of a retraining cycle and returns its ID.
func (s *Store) BeginTrainingRun(trigger string) (string, error) {
	id := uuid.New().String()
	_, err := s.conn.Exec(`
		INSERT INTO training_runs (id, trigger_source, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, trigger, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("failed to record training run start: %w", err)
	}
	return id, nil
}

// FinishTrainingRun records the outcome of a retraining cycle.
func (s *Store) FinishTrainingRun(id, status string, categories, samples int, cid, errMsg string) error {
	_, err := s.conn.Exec(`
		UPDATE training_runs
		SET status = ?, categories = ?, samples = ?, cid = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		status, categories, samples, cid, errMsg,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to record training run outcome: %w", err)
	}
	return nil
}

// RecentTrainingRuns returns the most recent runs, newest first.
func (s *Store) RecentTrainingRuns(limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.conn.Query(`
		SELECT id, trigger_source, status, categories, samples,
		       COALESCE(cid, ''), COALESCE(error, ''), started_at, finished_at
		FROM training_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		var run TrainingRun
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Trigger, &run.Status, &run.Categories,
			&run.Samples, &run.CID, &run.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			run.StartedAt = t
		}
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
				run.FinishedAt = &t
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
