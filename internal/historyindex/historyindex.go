// Package historyindex maintains an optional SQLite-backed index of past
// runs, so "orchestrator history" can answer trend questions without
// re-reading every run_summary.json. It is additive
// observability: nothing in the pipeline's exit-code contract depends on it,
// and every entry point degrades gracefully when the index can't be opened.
package historyindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one row of the run history.
type Record struct {
	ID          string
	RunID       string
	DesignB     bool
	Score       int
	HardInvalid bool
	ValidatorsOK bool
	TestsOK     bool
	CreatedAt   string
}

// Index wraps the history database connection.
type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	design_b      INTEGER NOT NULL,
	score         INTEGER NOT NULL,
	hard_invalid  INTEGER NOT NULL,
	validators_ok INTEGER NOT NULL,
	tests_ok      INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
`

// Open opens (creating if necessary) the history database under root's
// .orchestrator directory. Callers that cannot open it should log and
// continue without an index -- this is never a hard precondition.
func Open(root string) (*Index, error) {
	dir := filepath.Join(root, ".orchestrator")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("historyindex: mkdir: %w", err)
	}
	path := filepath.Join(dir, "history.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("historyindex: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("historyindex: journal_mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("historyindex: schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// InsertRun records one completed run. Called after run_summary.json has
// been flushed, so the index can never reference a run artifact that
// doesn't exist on disk.
func (idx *Index) InsertRun(ctx context.Context, runID string, designB bool, score int, hardInvalid, validatorsOK, testsOK bool) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO runs (id, run_id, design_b, score, hard_invalid, validators_ok, tests_ok, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, designB, score, hardInvalid, validatorsOK, testsOK,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("historyindex: insert: %w", err)
	}
	return nil
}

// Recent returns the most recent runs, newest first, capped at limit.
func (idx *Index) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT id, run_id, design_b, score, hard_invalid, validators_ok, tests_ok, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("historyindex: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.RunID, &r.DesignB, &r.Score, &r.HardInvalid, &r.ValidatorsOK, &r.TestsOK, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("historyindex: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
