// Package journal keeps a durable SQLite record of provisioning runs: the
// stage events and log lines a run emits, and the per-variant outcome once
// it finishes. A Journal is both a pipeline.Sink and a pipeline.RunRecorder.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/provisioner/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrRunNotFound = errors.New("run not found")

type Journal struct {
	db *sql.DB

	mu  sync.Mutex
	err error
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Err returns the first write failure seen by Event or Log. Sink methods
// cannot return errors, so callers check this after a run.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Journal) keep(err error) {
	if err == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err == nil {
		j.err = err
	}
}

func (j *Journal) Event(e pipeline.Event) {
	ctx := context.Background()
	if err := j.ensureRun(ctx, e.RunID, e.Timestamp); err != nil {
		j.keep(err)
		return
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (run_id, variant, stage, stage_index, status, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Variant, string(e.Stage), e.StageIndex, string(e.Status), e.Detail, formatTime(e.Timestamp))
	if err != nil {
		j.keep(fmt.Errorf("journal event: %w", err))
	}
}

func (j *Journal) Log(entry pipeline.LogEntry) {
	ctx := context.Background()
	if err := j.ensureRun(ctx, entry.RunID, entry.Timestamp); err != nil {
		j.keep(err)
		return
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO logs (run_id, variant, level, message, at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, entry.Variant, entry.Level, entry.Message, formatTime(entry.Timestamp))
	if err != nil {
		j.keep(fmt.Errorf("journal log: %w", err))
	}
}

func (j *Journal) ensureRun(ctx context.Context, runID string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, started_at) VALUES (?, ?)`,
		runID, formatTime(at))
	if err != nil {
		return fmt.Errorf("journal run %s: %w", runID, err)
	}
	return nil
}

// RecordRun stores the final outcome of a run.
func (j *Journal) RecordRun(ctx context.Context, record pipeline.RunRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, cancelled, completed, failed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			cancelled = excluded.cancelled,
			completed = excluded.completed,
			failed = excluded.failed`,
		record.RunID, formatTime(record.StartedAt), formatTime(record.FinishedAt),
		record.Cancelled, record.Summary.Completed, record.Summary.Failed)
	if err != nil {
		return fmt.Errorf("record run %s: %w", record.RunID, err)
	}
	for _, v := range record.Variants {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO variants
				(run_id, variant, status, failed_stage, error_kind, error, collection_id, created, reused, fallback)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.RunID, v.Variant, string(v.Status), string(v.FailedStage), string(v.ErrorKind),
			v.Error, v.CollectionID, v.Created, v.Reused, v.Fallback)
		if err != nil {
			return fmt.Errorf("record variant %s: %w", v.Variant, err)
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
