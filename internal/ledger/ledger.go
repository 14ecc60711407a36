// Package ledger records which document versions the remote store has confirmed,
// and keeps a log of push cycles.
//
// A document is confirmed when its row has status PULLED or PUSHED and the stored
// hash equals the document's current content hash. Everything else is outstanding
// and goes out with the next final push.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status of a document row.
type Status string

const (
	StatusPulled Status = "PULLED"
	StatusPushed Status = "PUSHED"
	StatusFailed Status = "FAILED"
)

// timeFormat is fixed-width so timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DocHash pairs a document id with its content hash.
type DocHash struct {
	ID   string
	Hash string
}

// Ledger wraps the SQLite state database.
type Ledger struct {
	conn *sql.DB
	path string

	closeOnce sync.Once
	closeErr  error
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	database_name   TEXT NOT NULL,
	collection_name TEXT NOT NULL,
	doc_id          TEXT NOT NULL,
	doc_hash        TEXT NOT NULL,
	status          TEXT NOT NULL,
	push_count      INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL,
	error_count     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (database_name, collection_name, doc_id)
);

CREATE TABLE IF NOT EXISTS push_cycles (
	run_id      TEXT NOT NULL,
	push_count  INTEGER NOT NULL,
	final       INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	written     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	PRIMARY KEY (run_id, push_count)
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_push_cycles_finished ON push_cycles(finished_at);
`

// Open opens (or creates) the ledger at path and initializes its schema.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger at %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps the PRAGMAs in effect.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Ledger{conn: conn, path: path}, nil
}

// Path returns the database file location.
func (l *Ledger) Path() string { return l.path }

// Close closes the database connection. Later calls return the first result,
// and every other method returns an error once the ledger is closed.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		if err := l.conn.Close(); err != nil {
			l.closeErr = fmt.Errorf("failed to close ledger: %w", err)
		}
	})
	return l.closeErr
}

// Confirmed returns id -> hash of every document of the collection the remote holds.
func (l *Ledger) Confirmed(ctx context.Context, db, collection string) (map[string]string, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT doc_id, doc_hash FROM documents
		WHERE database_name = ? AND collection_name = ? AND status IN (?, ?)`,
		db, collection, StatusPulled, StatusPushed)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmed documents of %s/%s: %w", db, collection, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// MarkPushed records documents as confirmed by push number pushCount.
func (l *Ledger) MarkPushed(ctx context.Context, db, collection string, docs []DocHash, pushCount int) error {
	return l.upsert(ctx, db, collection, docs, StatusPushed, pushCount)
}

// MarkInvalid records documents that were refused by schema validation.
func (l *Ledger) MarkInvalid(ctx context.Context, db, collection string, docs []DocHash, pushCount int) error {
	return l.upsert(ctx, db, collection, docs, StatusFailed, pushCount)
}

func (l *Ledger) upsert(ctx context.Context, db, collection string, docs []DocHash, status Status, pushCount int) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (database_name, collection_name, doc_id, doc_hash, status, push_count, updated_at, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(database_name, collection_name, doc_id) DO UPDATE SET
			doc_hash = excluded.doc_hash,
			status = excluded.status,
			push_count = excluded.push_count,
			updated_at = excluded.updated_at,
			error_count = 0`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeFormat)
	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, db, collection, d.ID, d.Hash, status, pushCount, now); err != nil {
			return fmt.Errorf("failed to record %s/%s/%s: %w", db, collection, d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IncrementErrors bumps the error counter of documents whose push failed.
// Documents without a row are not tracked yet and are skipped.
func (l *Ledger) IncrementErrors(ctx context.Context, db, collection string, ids []string) error {
	now := time.Now().UTC().Format(timeFormat)
	for _, id := range ids {
		_, err := l.conn.ExecContext(ctx, `
			UPDATE documents SET error_count = error_count + 1, updated_at = ?
			WHERE database_name = ? AND collection_name = ? AND doc_id = ?`,
			now, db, collection, id)
		if err != nil {
			return fmt.Errorf("failed to increment error count for %s/%s/%s: %w", db, collection, id, err)
		}
	}
	return nil
}

// ReplaceCollection resets a collection's rows to exactly docs, all PULLED.
func (l *Ledger) ReplaceCollection(ctx context.Context, db, collection string, docs []DocHash) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE database_name = ? AND collection_name = ?`, db, collection); err != nil {
		return fmt.Errorf("failed to clear %s/%s: %w", db, collection, err)
	}

	now := time.Now().UTC().Format(timeFormat)
	for _, d := range docs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (database_name, collection_name, doc_id, doc_hash, status, push_count, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			db, collection, d.ID, d.Hash, StatusPulled, now); err != nil {
			return fmt.Errorf("failed to record pulled %s/%s/%s: %w", db, collection, d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset forgets confirmations so the next final push re-sends everything.
// An empty db clears the whole ledger; an empty collection clears the database.
func (l *Ledger) Reset(ctx context.Context, db, collection string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case db == "":
		res, err = l.conn.ExecContext(ctx, `DELETE FROM documents`)
	case collection == "":
		res, err = l.conn.ExecContext(ctx, `DELETE FROM documents WHERE database_name = ?`, db)
	default:
		res, err = l.conn.ExecContext(ctx,
			`DELETE FROM documents WHERE database_name = ? AND collection_name = ?`, db, collection)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reset history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Counts returns the number of document rows per status.
func (l *Ledger) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := l.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}
