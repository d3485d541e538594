// Package journal keeps a history of sync, repair and prune runs in a
// SQLite database next to the mirror. The journal is informational: the
// manifest stays the only source of truth.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Run kinds.
const (
	KindSync   = "sync"
	KindRepair = "repair"
	KindPrune  = "prune"
)

// startedLayout is fixed width so started_at sorts lexically.
const startedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal is closed")

// Run is one journal row.
type Run struct {
	RunID     string          `json:"run_id" yaml:"run_id"`
	Kind      string          `json:"kind" yaml:"kind"`
	StartedAt time.Time       `json:"started_at" yaml:"started_at"`
	Duration  time.Duration   `json:"duration" yaml:"duration"`
	Created   int             `json:"created" yaml:"created"`
	Updated   int             `json:"updated" yaml:"updated"`
	Skipped   int             `json:"skipped" yaml:"skipped"`
	Failed    int             `json:"failed" yaml:"failed"`
	Repaired  int             `json:"repaired" yaml:"repaired"`
	DataLoss  int             `json:"data_loss" yaml:"data_loss"`
	Details   json.RawMessage `json:"details,omitempty" yaml:"-"`
}

// SyncRun converts a sync summary into a journal row.
func SyncRun(s *types.SyncSummary, started time.Time) (Run, error) {
	details, err := json.Marshal(s)
	if err != nil {
		return Run{}, fmt.Errorf("encoding sync summary: %w", err)
	}
	return Run{
		RunID:     s.RunID,
		Kind:      KindSync,
		StartedAt: started,
		Duration:  s.Duration,
		Created:   s.Created,
		Updated:   s.Updated,
		Skipped:   s.Skipped,
		Failed:    s.Failed,
		Details:   details,
	}, nil
}

// RepairRun converts a repair result into a journal row.
func RepairRun(r *types.RepairResult, started time.Time) (Run, error) {
	details, err := json.Marshal(r)
	if err != nil {
		return Run{}, fmt.Errorf("encoding repair result: %w", err)
	}
	return Run{
		RunID:     r.RunID,
		Kind:      KindRepair,
		StartedAt: started,
		Duration:  r.Duration,
		Failed:    len(r.Failures),
		Repaired:  r.Actions(),
		DataLoss:  len(r.DataLoss),
		Details:   details,
	}, nil
}

// PruneRun converts a prune result into a journal row.
func PruneRun(p *types.PruneResult, started time.Time, took time.Duration) (Run, error) {
	ids := make([]string, 0, len(p.Removed))
	for _, e := range p.Removed {
		ids = append(ids, e.ID)
	}
	details, err := json.Marshal(map[string]any{"dry_run": p.DryRun, "removed": ids})
	if err != nil {
		return Run{}, fmt.Errorf("encoding prune result: %w", err)
	}
	return Run{
		RunID:     types.NewRunID(),
		Kind:      KindPrune,
		StartedAt: started,
		Duration:  took,
		Repaired:  len(ids),
		Details:   details,
	}, nil
}

// Journal is a handle on the runs database.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection; SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	return nil
}

// Close releases the database. Close is idempotent.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Record appends run. Recording the same run ID twice replaces the row.
func (j *Journal) Record(ctx context.Context, run Run) error {
	if j.db == nil {
		return ErrClosed
	}
	if run.RunID == "" {
		return fmt.Errorf("recording run: %w", types.ErrInvalidID)
	}
	details := string(run.Details)
	if details == "" {
		details = "{}"
	}
	_, err := j.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, kind, started_at, duration_ms, created, updated, skipped, failed, repaired, data_loss, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Kind, run.StartedAt.UTC().Format(startedLayout), run.Duration.Milliseconds(),
		run.Created, run.Updated, run.Skipped, run.Failed, run.Repaired, run.DataLoss, details)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. kind filters by run kind
// when non-empty; limit <= 0 returns every row.
func (j *Journal) List(ctx context.Context, kind string, limit int) ([]Run, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	query := `SELECT run_id, kind, started_at, duration_ms, created, updated, skipped, failed, repaired, data_loss, details
		FROM runs WHERE (? = '' OR kind = ?) ORDER BY started_at DESC, run_id DESC`
	args := []any{kind, kind}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started string
			ms      int64
			details string
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &started, &ms, &r.Created, &r.Updated,
			&r.Skipped, &r.Failed, &r.Repaired, &r.DataLoss, &details); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt, err = time.Parse(startedLayout, started)
		if err != nil {
			return nil, fmt.Errorf("run %s: parsing started_at: %w", r.RunID, err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Details = json.RawMessage(details)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
