// Package replay rebuilds list aggregates and read models from the event log.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/todolist"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCorruptLog is returned when stored versions are not the gapless
// sequence 1..n or a stored event cannot be applied. The cause is kept in the
// message only, so it never reads as a validation failure.
var ErrCorruptLog = errors.New("corrupt event log")

// Reader is the read half of eventlog.Store.
type Reader interface {
	ReadAll(ctx context.Context, key todolist.Key) ([]eventlog.Entry, error)
}

type Engine struct {
	Log     Reader
	Options []todolist.Option
	Metrics *metrics.Registry

	tracer trace.Tracer
}

func NewEngine(log Reader, opts ...todolist.Option) *Engine {
	return &Engine{
		Log:     log,
		Options: opts,
		Metrics: metrics.Default,
		tracer:  otel.Tracer("github.com/todo-1m/nowlater/internal/app/replay"),
	}
}

// Load reads and decodes the full history of a list.
func (e *Engine) Load(ctx context.Context, key todolist.Key) ([]todolist.Envelope, error) {
	entries, err := e.Log.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	for i, entry := range entries {
		if entry.Version != i+1 {
			return nil, fmt.Errorf("%w: expected version %d, found %d", ErrCorruptLog, i+1, entry.Version)
		}
	}
	envs, err := eventlog.DecodeAll(entries)
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// Reconstruct folds the stored history of key onto an empty list. The
// returned list's version equals the number of events folded.
func (e *Engine) Reconstruct(ctx context.Context, key todolist.Key) (todolist.List, error) {
	ctx, span := e.startSpan(ctx, "replay.Reconstruct", key)
	defer span.End()

	envs, err := e.Load(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return todolist.List{}, err
	}
	list, err := todolist.Replay(key, envs, e.Options...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return todolist.List{}, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	span.SetAttributes(attribute.Int("list.version", list.Version()))
	if e.Metrics != nil {
		e.Metrics.ReplayEvents.Observe(float64(len(envs)))
	}
	return list, nil
}

// CompletedTodos returns the completed read model for key.
func (e *Engine) CompletedTodos(ctx context.Context, key todolist.Key) ([]CompletedTodo, error) {
	ctx, span := e.startSpan(ctx, "replay.CompletedTodos", key)
	defer span.End()

	envs, err := e.Load(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return Completed(envs), nil
}

func (e *Engine) startSpan(ctx context.Context, name string, key todolist.Key) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/todo-1m/nowlater/internal/app/replay")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("list.user_id", key.UserID),
		attribute.String("list.id", key.ListID),
	))
}

// CompletedTodo is one entry of the completed read model.
type CompletedTodo struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	CompletedAt time.Time `json:"completed_at"`
	Version     int       `json:"version"`
}

// Completed folds the events that matter for the completed read model. Task
// text is taken from the add or displace event that last named the id;
// updates are not tracked. An id is forgotten once its completion is emitted.
func Completed(envs []todolist.Envelope) []CompletedTodo {
	tasks := map[string]string{}
	out := make([]CompletedTodo, 0)
	for _, env := range envs {
		switch e := env.Event.(type) {
		case todolist.TodoAdded:
			tasks[e.ID] = e.Task
		case todolist.DeferredTodoAdded:
			tasks[e.ID] = e.Task
		case todolist.TodoDisplaced:
			tasks[e.ID] = e.Task
		case todolist.TodoCompleted:
			out = append(out, CompletedTodo{
				ID:          e.ID,
				Task:        tasks[e.ID],
				CompletedAt: e.CompletedAt,
				Version:     env.Version,
			})
			delete(tasks, e.ID)
		}
	}
	return out
}
