package idmap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS id_mappings (
	resource_type TEXT NOT NULL,
	foreign_id    TEXT NOT NULL,
	local_id      TEXT NOT NULL,
	discovered_at TEXT NOT NULL,
	PRIMARY KEY (resource_type, foreign_id)
)`

// SQLiteBackend keeps the table in a local SQLite file, for operators who
// want a durable cache without a remote data store.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open id mapping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise id mapping database: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT resource_type, foreign_id, local_id, discovered_at
		FROM id_mappings
		ORDER BY resource_type ASC, foreign_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var rt, discovered string
		var entry Entry
		if err := rows.Scan(&rt, &entry.ForeignID, &entry.LocalID, &discovered); err != nil {
			return nil, err
		}
		entry.ResourceType = resourceTypeOf(rt)
		if ts, err := time.Parse(time.RFC3339Nano, discovered); err == nil {
			entry.DiscoveredAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (b *SQLiteBackend) Save(ctx context.Context, entries []Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM id_mappings"); err != nil {
		return err
	}
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO id_mappings (resource_type, foreign_id, local_id, discovered_at) VALUES (?, ?, ?, ?)",
			string(entry.ResourceType), entry.ForeignID, entry.LocalID, entry.DiscoveredAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func resourceTypeOf(raw string) metadata.ResourceType {
	if rt, err := metadata.ParseResourceType(raw); err == nil {
		return rt
	}
	return metadata.ResourceType(raw)
}
