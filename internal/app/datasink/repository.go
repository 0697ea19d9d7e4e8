package datasink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/nowlater/internal/todolist"
)

const createPendingTasksSQL = `
CREATE TABLE IF NOT EXISTS pending_tasks (
  user_id text NOT NULL,
  list_id text NOT NULL,
  todo_id text NOT NULL,
  task text NOT NULL,
  added_task text NOT NULL,
  PRIMARY KEY (user_id, list_id, todo_id)
)`

const createCompletedTodosSQL = `
CREATE TABLE IF NOT EXISTS completed_todos (
  user_id text NOT NULL,
  list_id text NOT NULL,
  version integer NOT NULL,
  todo_id text NOT NULL,
  task text NOT NULL,
  completed_at timestamptz NOT NULL,
  PRIMARY KEY (user_id, list_id, version)
)`

const createListProjectionOffsetsSQL = `
CREATE TABLE IF NOT EXISTS list_projection_offsets (
  user_id text NOT NULL,
  list_id text NOT NULL,
  last_version integer NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, list_id)
)`

const ensureOffsetSQL = `
INSERT INTO list_projection_offsets (user_id, list_id, last_version)
VALUES ($1, $2, 0)
ON CONFLICT (user_id, list_id) DO NOTHING
`

const lockOffsetSQL = `
SELECT last_version
FROM list_projection_offsets
WHERE user_id = $1 AND list_id = $2
FOR UPDATE
`

const setOffsetSQL = `
UPDATE list_projection_offsets
SET last_version = $3, updated_at = now()
WHERE user_id = $1 AND list_id = $2
`

const upsertPendingSQL = `
INSERT INTO pending_tasks (user_id, list_id, todo_id, task, added_task)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (user_id, list_id, todo_id) DO UPDATE
SET task = EXCLUDED.task, added_task = EXCLUDED.added_task
`

const updatePendingTaskSQL = `
UPDATE pending_tasks
SET task = $4
WHERE user_id = $1 AND list_id = $2 AND todo_id = $3
`

const completePendingSQL = `
WITH done AS (
  DELETE FROM pending_tasks
  WHERE user_id = $1 AND list_id = $2 AND todo_id = $3
  RETURNING added_task
)
INSERT INTO completed_todos (user_id, list_id, version, todo_id, task, completed_at)
SELECT $1::text, $2::text, $4::integer, $3::text, COALESCE((SELECT added_task FROM done), ''), $5::timestamptz
ON CONFLICT (user_id, list_id, version) DO NOTHING
`

const deletePendingSQL = `
DELETE FROM pending_tasks
WHERE user_id = $1 AND list_id = $2 AND todo_id = $3
`

type EventRepository struct {
	Pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{Pool: pool}
}

func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createPendingTasksSQL,
		createCompletedTodosSQL,
		createListProjectionOffsetsSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *EventRepository) Apply(ctx context.Context, env todolist.Envelope) (bool, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	offset, err := lockOffset(ctx, tx, env.Key)
	if err != nil {
		return false, err
	}
	if env.Version <= offset {
		return false, nil
	}
	if env.Version != offset+1 {
		return false, fmt.Errorf("%w: at %d, got %d", ErrOffsetGap, offset, env.Version)
	}

	key := env.Key
	switch e := env.Event.(type) {
	case todolist.TodoAdded:
		_, err = tx.Exec(ctx, upsertPendingSQL, key.UserID, key.ListID, e.ID, e.Task)
	case todolist.DeferredTodoAdded:
		_, err = tx.Exec(ctx, upsertPendingSQL, key.UserID, key.ListID, e.ID, e.Task)
	case todolist.TodoDisplaced:
		_, err = tx.Exec(ctx, upsertPendingSQL, key.UserID, key.ListID, e.ID, e.Task)
	case todolist.TodoUpdated:
		_, err = tx.Exec(ctx, updatePendingTaskSQL, key.UserID, key.ListID, e.ID, e.Task)
	case todolist.TodoCompleted:
		_, err = tx.Exec(ctx, completePendingSQL, key.UserID, key.ListID, e.ID, env.Version, e.CompletedAt)
	case todolist.TodoDeleted:
		_, err = tx.Exec(ctx, deletePendingSQL, key.UserID, key.ListID, e.ID)
	case todolist.TodoMoved, todolist.Pulled, todolist.Escalated, todolist.Unlocked:
	default:
		return false, fmt.Errorf("%w: %T", ErrUnsupportedEventType, env.Event)
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, setOffsetSQL, key.UserID, key.ListID, env.Version); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *EventRepository) Rebuild(ctx context.Context, snapshot Snapshot) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	key := snapshot.Key
	offset, err := lockOffset(ctx, tx, key)
	if err != nil {
		return err
	}
	if offset >= snapshot.Version {
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM pending_tasks WHERE user_id = $1 AND list_id = $2`, key.UserID, key.ListID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM completed_todos WHERE user_id = $1 AND list_id = $2`, key.UserID, key.ListID); err != nil {
		return err
	}

	if len(snapshot.Pending) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"pending_tasks"},
			[]string{"user_id", "list_id", "todo_id", "task", "added_task"},
			pgx.CopyFromSlice(len(snapshot.Pending), func(i int) ([]any, error) {
				p := snapshot.Pending[i]
				return []any{key.UserID, key.ListID, p.ID, p.Task, p.AddedTask}, nil
			}),
		)
		if err != nil {
			return err
		}
	}
	if len(snapshot.Completed) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"completed_todos"},
			[]string{"user_id", "list_id", "version", "todo_id", "task", "completed_at"},
			pgx.CopyFromSlice(len(snapshot.Completed), func(i int) ([]any, error) {
				c := snapshot.Completed[i]
				return []any{key.UserID, key.ListID, c.Version, c.ID, c.Task, c.CompletedAt}, nil
			}),
		)
		if err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, setOffsetSQL, key.UserID, key.ListID, snapshot.Version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockOffset(ctx context.Context, tx pgx.Tx, key todolist.Key) (int, error) {
	if _, err := tx.Exec(ctx, ensureOffsetSQL, key.UserID, key.ListID); err != nil {
		return 0, err
	}
	var offset int
	if err := tx.QueryRow(ctx, lockOffsetSQL, key.UserID, key.ListID).Scan(&offset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return offset, nil
}
