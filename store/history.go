package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

var ErrNotFound = errors.New("store: job not found")

// Summary is the persisted outcome of one batch job.
type Summary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	State      State     `json:"state"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Artifact   string    `json:"artifact,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type History struct {
	db *sql.DB
}

func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  finished_at INTEGER,
  state TEXT NOT NULL,
  total INTEGER NOT NULL DEFAULT 0,
  succeeded INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  artifact TEXT,
  reason TEXT
);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

func (h *History) Close() error { return h.db.Close() }

// Start records a freshly launched job.
func (h *History) Start(ctx context.Context, id string, total int, createdAt time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, state, total) VALUES (?, ?, ?, ?)`,
		id, createdAt.UnixMilli(), string(StateRunning), total,
	)
	return err
}

// Finish stores the terminal outcome of a job.
func (h *History) Finish(ctx context.Context, s Summary) error {
	res, err := h.db.ExecContext(ctx,
		`UPDATE jobs
         SET finished_at = ?, state = ?, succeeded = ?, failed = ?, artifact = ?, reason = ?
         WHERE id = ?`,
		s.FinishedAt.UnixMilli(), string(s.State), s.Succeeded, s.Failed,
		nullable(s.Artifact), nullable(s.Reason), s.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (h *History) Get(ctx context.Context, id string) (Summary, error) {
	row := h.db.QueryRowContext(ctx, selectSummary+` WHERE id = ?`, id)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	return s, err
}

// List returns the most recent jobs first.
func (h *History) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := h.db.QueryContext(ctx, selectSummary+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectSummary = `SELECT id, created_at, finished_at, state, total, succeeded, failed, artifact, reason FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (Summary, error) {
	var (
		s          Summary
		state      string
		createdMs  int64
		finishedMs sql.NullInt64
		artifact   sql.NullString
		reason     sql.NullString
	)
	if err := row.Scan(&s.ID, &createdMs, &finishedMs, &state, &s.Total, &s.Succeeded, &s.Failed, &artifact, &reason); err != nil {
		return Summary{}, err
	}
	s.CreatedAt = time.UnixMilli(createdMs)
	if finishedMs.Valid {
		s.FinishedAt = time.UnixMilli(finishedMs.Int64)
	}
	s.State = State(state)
	s.Artifact = artifact.String
	s.Reason = reason.String
	return s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
