package idmap

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "provisioner_id_mappings"
	postgresDefaultNamespace = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresBackend struct {
	dsn       string
	tableName string
	namespace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend accepts a libpq URL. An optional `namespace` query
// parameter partitions the table so several deployments can share it; it is
// stripped before the DSN reaches the driver.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	namespace := postgresDefaultNamespace
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" {
		q := parsed.Query()
		if ns := strings.TrimSpace(q.Get("namespace")); ns != "" {
			namespace = ns
		}
		q.Del("namespace")
		parsed.RawQuery = q.Encode()
		dsn = parsed.String()
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		namespace: namespace,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context) ([]Entry, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT resource_type, foreign_id, local_id, discovered_at
		FROM %s
		WHERE namespace = $1
		ORDER BY resource_type, foreign_id`, postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, b.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var rt string
		if err := rows.Scan(&rt, &entry.ForeignID, &entry.LocalID, &entry.DiscoveredAt); err != nil {
			return nil, err
		}
		entry.ResourceType = resourceTypeOf(rt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (b *PostgresBackend) Save(ctx context.Context, entries []Entry) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(b.tableName)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = $1", table), b.namespace); err != nil {
		return err
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (namespace, resource_type, foreign_id, local_id, discovered_at)
		VALUES ($1, $2, $3, $4, $5)`, table)
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, insert, b.namespace, string(entry.ResourceType), entry.ForeignID, entry.LocalID, entry.DiscoveredAt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				foreign_id TEXT NOT NULL,
				local_id TEXT NOT NULL,
				discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, resource_type, foreign_id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
