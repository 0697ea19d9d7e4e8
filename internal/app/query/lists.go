package query

import (
	"context"
	"time"

	"github.com/todo-1m/nowlater/internal/app/replay"
	"github.com/todo-1m/nowlater/internal/todolist"
)

// CompletedReader lists completed todos of one list, oldest first.
type CompletedReader interface {
	ListCompleted(ctx context.Context, key todolist.Key, limit int) ([]replay.CompletedTodo, error)
}

// Lists answers list reads by replaying the event log.
type Lists struct {
	Engine    *replay.Engine
	Completed CompletedReader
	Now       func() time.Time
	Location  *time.Location
}

func NewLists(engine *replay.Engine, location *time.Location) *Lists {
	if location == nil {
		location = time.UTC
	}
	return &Lists{
		Engine:    engine,
		Completed: ReplayCompleted{Engine: engine},
		Now:       func() time.Time { return time.Now().UTC() },
		Location:  location,
	}
}

func (l *Lists) GetList(ctx context.Context, key todolist.Key) (View, error) {
	list, err := l.Engine.Reconstruct(ctx, key)
	if err != nil {
		return View{}, err
	}
	return NewView(list, l.Now().In(l.Location)), nil
}

func (l *Lists) ListCompleted(ctx context.Context, key todolist.Key, limit int) ([]replay.CompletedTodo, error) {
	return l.Completed.ListCompleted(ctx, key, limit)
}

// ReplayCompleted computes the completed read model from the full history.
type ReplayCompleted struct {
	Engine *replay.Engine
}

func (r ReplayCompleted) ListCompleted(ctx context.Context, key todolist.Key, limit int) ([]replay.CompletedTodo, error) {
	todos, err := r.Engine.CompletedTodos(ctx, key)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if len(todos) > limit {
		todos = todos[len(todos)-limit:]
	}
	return todos, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
