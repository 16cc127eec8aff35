// Package sqlite provides a SQLite-backed implementation of txlog.Repository.
//
// WAL mode is enabled on Open so that readers never block writers: the
// coordinator appends records while the inspection API may be reading.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"

	// Register the pure-Go SQLite driver.
	// modernc.org/sqlite needs no CGO, so the binary builds anywhere.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup.
// The table is append-only: each row is one archived transition. The row
// with the highest id per tx_key is the current state.
const schema = `
CREATE TABLE IF NOT EXISTS tx_records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Global xid in "<format>:<hex gtrid>:" form.
    tx_key          TEXT        NOT NULL,

    -- Layout version of payload.
    format_version  INTEGER     NOT NULL,

    -- Archive status at the time this row was written, for queries.
    status          INTEGER     NOT NULL,

    -- Encoded transaction archive.
    payload         BLOB        NOT NULL,

    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',

    -- RFC3339 stored as TEXT, SQLite idiom.
    updated_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tx_records_key ON tx_records(tx_key, id);
`

const selectColumns = `tx_key, format_version, status, payload, trace_id, span_id, updated_at`

// Repository is the SQLite implementation of txlog.Repository.
type Repository struct {
	db *sql.DB
}

var _ txlog.Repository = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	repo, err := sqlite.Open("./data/xalog.db")
func Open(path string) (*Repository, error) {
	// busy_timeout waits for locks instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save inserts a new record. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, rec *txlog.Record) error {
	const q = `
		INSERT INTO tx_records
			(tx_key, format_version, status, payload, trace_id, span_id, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		rec.Key,
		int(rec.FormatVersion),
		int(rec.Status),
		rec.Payload,
		rec.TraceID,
		rec.SpanID,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save record for %q: %w", rec.Key, err)
	}
	return nil
}

// Latest returns the most recent record for key.
func (r *Repository) Latest(ctx context.Context, key string) (*txlog.Record, error) {
	q := `SELECT ` + selectColumns + `
		FROM   tx_records
		WHERE  tx_key = ?
		ORDER  BY id DESC
		LIMIT  1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: %q: %w", key, txlog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get latest for %q: %w", key, err)
	}
	return rec, nil
}

// Pending returns the newest record of every key still in the log.
func (r *Repository) Pending(ctx context.Context) ([]*txlog.Record, error) {
	q := `SELECT ` + selectColumns + `
		FROM   tx_records
		WHERE  id IN (SELECT MAX(id) FROM tx_records GROUP BY tx_key)
		ORDER  BY tx_key`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending: %w", err)
	}
	defer rows.Close()

	var out []*txlog.Record
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan pending: %w", err)
		}
		rec, err := row.record()
		if err != nil {
			// One corrupt row must not hide the others.
			rec = &txlog.Record{Key: row.key, Status: archive.StatusUnknown, ReadErr: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list pending: %w", err)
	}
	return out, nil
}

// Forget deletes every record of key.
func (r *Repository) Forget(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tx_records WHERE tx_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: forget %q: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// row holds one tx_records row as stored. SQLite columns are loosely typed,
// so the numeric columns are checked when converting to a Record.
type row struct {
	key       string
	version   any
	status    any
	payload   []byte
	traceID   string
	spanID    string
	updatedAt string
}

func scanRow(s scanner) (*row, error) {
	var r row
	if err := s.Scan(&r.key, &r.version, &r.status, &r.payload, &r.traceID, &r.spanID, &r.updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *row) record() (*txlog.Record, error) {
	version, err := columnUint8("format_version", r.version)
	if err != nil {
		return nil, err
	}
	status, err := columnUint8("status", r.status)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseRFC3339(r.updatedAt)
	if err != nil {
		return nil, err
	}
	return &txlog.Record{
		Key:           r.key,
		FormatVersion: version,
		Status:        archive.Status(status),
		Payload:       r.payload,
		TraceID:       r.traceID,
		SpanID:        r.spanID,
		UpdatedAt:     updatedAt,
	}, nil
}

func scanRecord(s scanner) (*txlog.Record, error) {
	r, err := scanRow(s)
	if err != nil {
		return nil, err
	}
	return r.record()
}

func columnUint8(name string, v any) (uint8, error) {
	n, ok := v.(int64)
	if !ok || n < 0 || n > 0xFF {
		return 0, fmt.Errorf("sqlite: column %s: invalid value %v", name, v)
	}
	return uint8(n), nil
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}
