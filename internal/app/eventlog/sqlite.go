package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/todo-1m/nowlater/internal/todolist"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const createSQLiteListEventsSQL = `
CREATE TABLE IF NOT EXISTS list_events (
  user_id TEXT NOT NULL,
  list_id TEXT NOT NULL,
  version INTEGER NOT NULL CHECK (version > 0),
  event_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  occurred_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (user_id, list_id, version)
)`

// SQLiteStore keeps the log in a single SQLite file. It is meant for a
// single-process deployment and for tests; writers are serialised by the
// one open connection and by the primary key.
type SQLiteStore struct {
	Now func() time.Time

	db *sqlx.DB
}

type sqliteRow struct {
	Version    int    `db:"version"`
	EventType  string `db:"event_type"`
	Payload    []byte `db:"payload"`
	OccurredAt int64  `db:"occurred_at"`
	CreatedAt  int64  `db:"created_at"`
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for a throwaway store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSQLiteListEventsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create list_events: %w", err)
	}
	return &SQLiteStore{
		Now: func() time.Time { return time.Now().UTC() },
		db:  db,
	}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, key todolist.Key, expectedVersion int, entries []Entry) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM list_events WHERE user_id = ? AND list_id = ?`,
		key.UserID, key.ListID,
	); err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return nil, ErrConcurrentModification
	}

	stamped := stamp(key, expectedVersion, entries, s.Now().UTC())
	for _, entry := range stamped {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO list_events (user_id, list_id, version, event_type, payload, occurred_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.UserID,
			entry.ListID,
			entry.Version,
			string(entry.EventType),
			entry.Payload,
			toMillis(entry.OccurredAt),
			toMillis(entry.CreatedAt),
		)
		if err != nil {
			if isConstraintError(err) {
				return nil, ErrConcurrentModification
			}
			return nil, fmt.Errorf("insert version %d: %w", entry.Version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	// Round-trip the times through the stored precision so callers see what
	// ReadAll will return.
	for i := range stamped {
		stamped[i].OccurredAt = fromMillis(toMillis(stamped[i].OccurredAt))
		stamped[i].CreatedAt = fromMillis(toMillis(stamped[i].CreatedAt))
	}
	return stamped, nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context, key todolist.Key) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var rows []sqliteRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT version, event_type, payload, occurred_at, created_at
		 FROM list_events WHERE user_id = ? AND list_id = ? ORDER BY version ASC`,
		key.UserID, key.ListID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read list events: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			UserID:     key.UserID,
			ListID:     key.ListID,
			Version:    row.Version,
			EventType:  todolist.EventType(row.EventType),
			Payload:    row.Payload,
			OccurredAt: fromMillis(row.OccurredAt),
			CreatedAt:  fromMillis(row.CreatedAt),
		})
	}
	return entries, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
