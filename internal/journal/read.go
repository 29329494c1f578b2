package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentworkforce/provisioner/internal/pipeline"
	"github.com/agentworkforce/provisioner/internal/resolve"
)

// Run is the stored detail of one run.
type Run struct {
	pipeline.RunRecord
	Events []pipeline.Event    `json:"events"`
	Log    []pipeline.LogEntry `json:"log"`
}

// Runs lists recorded runs, newest first. limit <= 0 returns all of them.
func (j *Journal) Runs(ctx context.Context, limit int) ([]pipeline.RunRecord, error) {
	query := `SELECT run_id, started_at, finished_at, cancelled, completed, failed
		FROM runs ORDER BY started_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Run loads one run with its variants, events and log in recorded order.
func (j *Journal) Run(ctx context.Context, runID string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT run_id, started_at, finished_at, cancelled, completed, failed
		FROM runs WHERE run_id = ?`, runID)
	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	out := &Run{RunRecord: record}
	if out.Variants, err = j.variants(ctx, runID); err != nil {
		return nil, err
	}
	if out.Events, err = j.events(ctx, runID); err != nil {
		return nil, err
	}
	if out.Log, err = j.logs(ctx, runID); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (pipeline.RunRecord, error) {
	var (
		record            pipeline.RunRecord
		started, finished string
	)
	if err := s.Scan(&record.RunID, &started, &finished, &record.Cancelled,
		&record.Summary.Completed, &record.Summary.Failed); err != nil {
		return pipeline.RunRecord{}, err
	}
	record.StartedAt = parseTime(started)
	record.FinishedAt = parseTime(finished)
	return record, nil
}

func (j *Journal) variants(ctx context.Context, runID string) ([]pipeline.VariantResult, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT variant, status, failed_stage, error_kind, error, collection_id, created, reused, fallback
		FROM variants WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	defer rows.Close()

	var out []pipeline.VariantResult
	for rows.Next() {
		var (
			v                   pipeline.VariantResult
			status, stage, kind string
		)
		if err := rows.Scan(&v.Variant, &status, &stage, &kind, &v.Error, &v.CollectionID,
			&v.Created, &v.Reused, &v.Fallback); err != nil {
			return nil, err
		}
		v.Status = pipeline.Status(status)
		v.FailedStage = pipeline.Stage(stage)
		v.ErrorKind = resolve.Kind(kind)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (j *Journal) events(ctx context.Context, runID string) ([]pipeline.Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT variant, stage, stage_index, status, detail, at
		FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Event
	for rows.Next() {
		var (
			e                 pipeline.Event
			stage, status, at string
		)
		if err := rows.Scan(&e.Variant, &stage, &e.StageIndex, &status, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.RunID = runID
		e.Stage = pipeline.Stage(stage)
		e.Status = pipeline.Status(status)
		e.Timestamp = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) logs(ctx context.Context, runID string) ([]pipeline.LogEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT variant, level, message, at
		FROM logs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	defer rows.Close()

	var out []pipeline.LogEntry
	for rows.Next() {
		var (
			entry pipeline.LogEntry
			at    string
		)
		if err := rows.Scan(&entry.Variant, &entry.Level, &entry.Message, &at); err != nil {
			return nil, err
		}
		entry.RunID = runID
		entry.Timestamp = parseTime(at)
		out = append(out, entry)
	}
	return out, rows.Err()
}
