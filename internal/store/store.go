// Package store persists composite document records in a single-table SQLite
// database. Each row holds one record as a JSON payload keyed by the record
// id, so the schema never changes when the record shape grows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// DefaultDBPath is used when DOCPIPE_DB is unset.
const DefaultDBPath = "documents.db"

// DocumentStore persists and retrieves document records. Implementations must
// be safe for concurrent use.
type DocumentStore interface {
	// Insert writes all records in one transaction and returns their ids in
	// input order. Any failure leaves the store unchanged.
	Insert(ctx context.Context, records ...*document.Record) ([]string, error)
	// Get returns the record with the given id, or an error wrapping
	// document.ErrNotFound when the id is absent or its payload is unreadable.
	Get(ctx context.Context, id string) (*document.Record, error)
	// Update replaces the payload stored under id. It reports false when no
	// such record exists.
	Update(ctx context.Context, id string, record *document.Record) (bool, error)
	// Delete removes the record stored under id. It reports false when no
	// such record exists.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns every readable record, optionally filtered by parsing status.
	List(ctx context.Context, status document.ParsingStatus) ([]*document.Record, error)
	// Ping checks the database connection.
	Ping(ctx context.Context) error
	// Close releases the database handle.
	Close() error
}

// SQLiteStore is a DocumentStore backed by a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
	// retry builds the backoff policy for one operation.
	retry func(ctx context.Context) backoff.BackOff
}

// Open opens (or creates) the store at path and runs the schema migration.
// Use ":memory:" for a throwaway database in tests. The caller owns the
// returned handle and must Close it.
func Open(path string, log *slog.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create %s: %w", dir, err)
			}
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, log: logging.OrDiscard(log), retry: defaultRetry}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const ddl = `CREATE TABLE IF NOT EXISTS documents (id TEXT PRIMARY KEY, data JSON)`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Insert writes all records in a single transaction.
func (s *SQLiteStore) Insert(ctx context.Context, records ...*document.Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, len(records))
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("store: insert: %w: %w", document.ErrStorage, err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("store: insert: %w: encode %s: %v", document.ErrStorage, rec.ID, err)
		}
		payloads[i] = data
	}

	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (id, data) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, rec := range records {
			if _, err := stmt.ExecContext(ctx, rec.ID, string(payloads[i])); err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("store: insert: %w: %w", document.ErrStorage, err)
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	s.log.Debug("store: inserted records", slog.Int("count", len(ids)))
	return ids, nil
}

// Get returns the record stored under id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*document.Record, error) {
	var payload string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE id = ?`, id).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w: %w", id, document.ErrRetrieval, err)
	}

	rec, err := decode(payload)
	if err != nil {
		s.log.Warn("store: unreadable record payload",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("store: get %s: %w", id, document.ErrNotFound)
	}
	return rec, nil
}

// Update replaces the payload stored under id. The stored record always
// carries id, whatever record.ID holds; record itself is not modified.
func (s *SQLiteStore) Update(ctx context.Context, id string, record *document.Record) (bool, error) {
	if record == nil {
		return false, fmt.Errorf("store: update %s: %w: nil record", id, document.ErrInvalidInput)
	}
	cp := *record
	cp.ID = id
	if err := cp.Validate(); err != nil {
		return false, fmt.Errorf("store: update %s: %w: %w", id, document.ErrStorage, err)
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return false, fmt.Errorf("store: update %s: %w: encode: %v", id, document.ErrStorage, err)
	}

	var affected int64
	err = s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE documents SET data = ? WHERE id = ?`, string(data), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: update %s: %w: %w", id, document.ErrStorage, err)
	}
	return affected > 0, nil
}

// Delete removes the row stored under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: delete %s: %w: %w", id, document.ErrStorage, err)
	}
	if affected > 0 {
		s.log.Debug("store: deleted record", slog.String("id", id))
	}
	return affected > 0, nil
}

// List returns records in insertion order. An empty status returns all of
// them. Rows whose payload cannot be decoded are skipped with a warning.
func (s *SQLiteStore) List(ctx context.Context, status document.ParsingStatus) ([]*document.Record, error) {
	q := `SELECT id, data FROM documents ORDER BY rowid`
	args := []any{}
	if status != "" {
		q = `SELECT id, data FROM documents WHERE json_extract(data, '$.metadata.parsing_status') = ? ORDER BY rowid`
		args = append(args, string(status))
	}

	var out []*document.Record
	err := s.withRetry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, payload string
			if err := rows.Scan(&id, &payload); err != nil {
				return err
			}
			rec, err := decode(payload)
			if err != nil {
				s.log.Warn("store: skipping unreadable record",
					slog.String("id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w: %w", document.ErrRetrieval, err)
	}
	return out, nil
}

// Ping checks that the database answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func decode(payload string) (*document.Record, error) {
	var rec document.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, errors.New("payload has no id")
	}
	return &rec, nil
}

func defaultRetry(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(b, ctx)
}

// withRetry runs op, retrying only while SQLite reports the database as busy
// or locked. Every other error is returned on first occurrence.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		s.log.Debug("store: database busy, retrying", slog.Int("attempt", attempt))
		return err
	}, s.retry(ctx))
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
