package query

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/nowlater/internal/app/replay"
	"github.com/todo-1m/nowlater/internal/todolist"
)

// undefinedTable is returned while the data-sink has not created its schema.
const undefinedTable = "42P01"

// CompletedRepository reads the completed_todos projection maintained by the
// data-sink.
type CompletedRepository struct {
	Pool *pgxpool.Pool
}

func NewCompletedRepository(pool *pgxpool.Pool) *CompletedRepository {
	return &CompletedRepository{Pool: pool}
}

// ListCompleted returns the most recent completions, oldest first.
func (r *CompletedRepository) ListCompleted(ctx context.Context, key todolist.Key, limit int) ([]replay.CompletedTodo, error) {
	limit = clampLimit(limit)
	rows, err := r.Pool.Query(ctx,
		`SELECT todo_id, task, completed_at, version
		 FROM (
		   SELECT todo_id, task, completed_at, version
		   FROM completed_todos
		   WHERE user_id = $1 AND list_id = $2
		   ORDER BY version DESC
		   LIMIT $3
		 ) recent
		 ORDER BY version ASC`,
		key.UserID, key.ListID, limit,
	)
	if err != nil {
		if isUndefinedTable(err) {
			return []replay.CompletedTodo{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	result := make([]replay.CompletedTodo, 0, limit)
	for rows.Next() {
		var t replay.CompletedTodo
		if err := rows.Scan(&t.ID, &t.Task, &t.CompletedAt, &t.Version); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}
