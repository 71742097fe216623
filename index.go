package pdict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
)

// indexRow is one stored entry: the value bytes (nil in external-value
// mode), the metadata bytes, the reserved status field and the time of the
// last write.
type indexRow struct {
	value   []byte
	meta    []byte
	status  int
	updated time.Time
}

// indexStore is the per-key row table over SQLite. Each method is a single
// statement against the database, so the store's own transaction and lock
// semantics are the only serialization point.
type indexStore struct {
	db    *sql.DB
	keep  *sql.Conn // pins shared in-memory databases for the store's lifetime
	fresh freshness

	mu sync.Mutex
	tx *sql.Tx // open transaction in batch mode, nil otherwise
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting every statement
// run either autocommitted or inside the batch transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

var memCounter atomic.Uint64

const indexSchema = `
CREATE TABLE IF NOT EXISTS config (
	key     TEXT NOT NULL PRIMARY KEY,
	value   BLOB,
	meta    BLOB,
	status  INTEGER NOT NULL DEFAULT 0,
	updated TEXT NOT NULL
);`

// indexDSN builds the SQLite connection string. The busy timeout rides on
// the DSN so it applies to every pooled connection, and anonymous databases
// get a unique shared-cache name so the pool sees one database, not one per
// connection.
func indexDSN(filename string, lockTimeout time.Duration) string {
	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", lockTimeout.Milliseconds())
	if filename == "" || filename == ":memory:" {
		return fmt.Sprintf("file:pdict%d?mode=memory&cache=shared&%s", memCounter.Add(1), pragmas)
	}
	return "file:" + filename + "?" + pragmas
}

func openIndex(filename string, lockTimeout time.Duration, fresh freshness, batch bool) (*indexStore, error) {
	memory := filename == "" || filename == ":memory:"
	db, err := sql.Open("sqlite", indexDSN(filename, lockTimeout))
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", filename, err)
	}
	s := &indexStore{db: db, fresh: fresh}
	if memory {
		// A shared-cache memory database is dropped when its last
		// connection closes; hold one open until Close.
		conn, err := db.Conn(context.Background())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open index: %w", err)
		}
		s.keep = conn
	}
	if _, err := db.Exec(indexSchema); err != nil {
		s.Close()
		return nil, fmt.Errorf("create schema: %w", mapIndexErr(err))
	}
	if batch {
		tx, err := db.Begin()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("begin batch: %w", mapIndexErr(err))
		}
		s.tx = tx
	}
	return s, nil
}

// mapIndexErr converts SQLite lock-timeout failures into ErrBusy and leaves
// everything else untouched.
func mapIndexErr(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}

func (s *indexStore) q() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// exists reports whether the key has a row whose timestamp is still fresh.
func (s *indexStore) exists(key string, now time.Time) (bool, error) {
	var updated string
	err := s.q().QueryRow("SELECT updated FROM config WHERE key=?;", key).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, mapIndexErr(err))
	}
	t, err := parseUpdated(updated)
	if err != nil {
		return false, err
	}
	return s.fresh.fresh(t, now), nil
}

// upsert inserts or fully replaces the row. A nil value leaves the value
// column unset, which is how external-value mode stores its rows.
func (s *indexStore) upsert(key string, value, meta []byte, updated time.Time) error {
	_, err := s.q().Exec(`
		INSERT INTO config (key, value, meta, status, updated) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			meta = excluded.meta,
			status = excluded.status,
			updated = excluded.updated;`,
		key, value, meta, formatUpdated(updated))
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, mapIndexErr(err))
	}
	return nil
}

func (s *indexStore) read(key string) (*indexRow, error) {
	var row indexRow
	var updated string
	err := s.q().QueryRow("SELECT value, meta, status, updated FROM config WHERE key=?;", key).
		Scan(&row.value, &row.meta, &row.status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, mapIndexErr(err))
	}
	if row.updated, err = parseUpdated(updated); err != nil {
		return nil, err
	}
	return &row, nil
}

// readMeta fetches only the metadata bytes, with no freshness check.
func (s *indexStore) readMeta(key string) ([]byte, error) {
	var meta []byte
	err := s.q().QueryRow("SELECT meta FROM config WHERE key=?;", key).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read meta %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read meta %q: %w", key, mapIndexErr(err))
	}
	return meta, nil
}

// writeMeta updates meta and the timestamp without touching the value.
// Matching zero rows is not an error.
func (s *indexStore) writeMeta(key string, meta []byte, updated time.Time) error {
	_, err := s.q().Exec("UPDATE config SET meta=?, updated=? WHERE key=?;",
		meta, formatUpdated(updated), key)
	if err != nil {
		return fmt.Errorf("write meta %q: %w", key, mapIndexErr(err))
	}
	return nil
}

func (s *indexStore) delete(key string) error {
	if _, err := s.q().Exec("DELETE FROM config WHERE key=?;", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, mapIndexErr(err))
	}
	return nil
}

// keys returns a lazy, restartable enumeration of every stored key,
// including stale ones. Each range over the sequence opens a fresh cursor.
func (s *indexStore) keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		rows, err := s.q().Query("SELECT key FROM config;")
		if err != nil {
			return
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if rows.Scan(&key) != nil {
				return
			}
			if !yield(key) {
				return
			}
		}
	}
}

// keyList materializes keys so a caller can issue further statements while
// walking them without holding a cursor open.
func (s *indexStore) keyList() ([]string, error) {
	rows, err := s.q().Query("SELECT key FROM config;")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", mapIndexErr(err))
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *indexStore) count() (int, error) {
	var n int
	if err := s.q().QueryRow("SELECT COUNT(*) FROM config;").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", mapIndexErr(err))
	}
	return n, nil
}

func (s *indexStore) clear() error {
	if _, err := s.q().Exec("DELETE FROM config;"); err != nil {
		return fmt.Errorf("clear: %w", mapIndexErr(err))
	}
	return nil
}

// commit closes the current batch transaction and opens the next one.
// Outside batch mode it is a no-op.
func (s *indexStore) commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapIndexErr(err))
	}
	tx, err := s.db.Begin()
	if err != nil {
		s.tx = nil
		return fmt.Errorf("begin batch: %w", mapIndexErr(err))
	}
	s.tx = tx
	return nil
}

// Close commits any pending batch writes and releases the database.
func (s *indexStore) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("commit on close: %w", mapIndexErr(err))
		}
		s.tx = nil
	}
	s.mu.Unlock()
	if s.keep != nil {
		s.keep.Close()
		s.keep = nil
	}
	return s.db.Close()
}

// Timestamps are stored as RFC3339Nano text, keeping the row readable by
// any SQLite client and preserving the writer's local offset.
func formatUpdated(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseUpdated(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorrupt, s, err)
	}
	return t, nil
}
