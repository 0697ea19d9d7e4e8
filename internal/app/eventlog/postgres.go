package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/nowlater/internal/todolist"
)

const createListEventsSQL = `
CREATE TABLE IF NOT EXISTS list_events (
  user_id text NOT NULL,
  list_id text NOT NULL,
  version integer NOT NULL CHECK (version > 0),
  event_type text NOT NULL,
  payload jsonb NOT NULL,
  occurred_at timestamptz NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, list_id, version)
)`

const currentVersionSQL = `
SELECT COALESCE(MAX(version), 0)
FROM list_events
WHERE user_id = $1 AND list_id = $2
`

const insertListEventSQL = `
INSERT INTO list_events (user_id, list_id, version, event_type, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at
`

const readListEventsSQL = `
SELECT version, event_type, payload, occurred_at, created_at
FROM list_events
WHERE user_id = $1 AND list_id = $2
ORDER BY version ASC
`

// uniqueViolation is the Postgres SQLSTATE for a primary key collision.
const uniqueViolation = "23505"

// PostgresStore keeps the log in the list_events table. The primary key on
// (user_id, list_id, version) is what serialises racing writers: the loser's
// insert collides and is reported as ErrConcurrentModification.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, createListEventsSQL)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, key todolist.Key, expectedVersion int, entries []Entry) ([]Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current int
	if err := tx.QueryRow(ctx, currentVersionSQL, key.UserID, key.ListID).Scan(&current); err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return nil, ErrConcurrentModification
	}

	stamped := stamp(key, expectedVersion, entries, entries[0].OccurredAt)
	for i := range stamped {
		entry := &stamped[i]
		err := tx.QueryRow(ctx, insertListEventSQL,
			entry.UserID,
			entry.ListID,
			entry.Version,
			string(entry.EventType),
			entry.Payload,
			entry.OccurredAt,
		).Scan(&entry.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrConcurrentModification
			}
			return nil, fmt.Errorf("insert version %d: %w", entry.Version, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}
	return stamped, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, key todolist.Key) ([]Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, readListEventsSQL, key.UserID, key.ListID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry := Entry{UserID: key.UserID, ListID: key.ListID}
		var eventType string
		if err := rows.Scan(
			&entry.Version,
			&eventType,
			&entry.Payload,
			&entry.OccurredAt,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.EventType = todolist.EventType(eventType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
