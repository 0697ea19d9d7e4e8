// Package datasink keeps the Postgres read models of list events up to date.
package datasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/app/replay"
	"github.com/todo-1m/nowlater/internal/contracts"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/todolist"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")
var ErrUnsupportedEventType = errors.New("unsupported event type")

// ErrOffsetGap is returned by Projection.Apply when the event does not
// directly follow the last applied version.
var ErrOffsetGap = errors.New("projection offset gap")

// PendingTodo is a todo that is still on the list. AddedTask is the text
// recorded by its latest add or displace event; a completion reports that
// text, not later updates.
type PendingTodo struct {
	ID        string
	Task      string
	AddedTask string
}

// Snapshot is the complete projected state of one list at Version.
type Snapshot struct {
	Key       todolist.Key
	Version   int
	Pending   []PendingTodo
	Completed []replay.CompletedTodo
}

type Projection interface {
	// Apply projects env if it is the next version of its list. It reports
	// false without error when the version was already applied.
	Apply(ctx context.Context, env todolist.Envelope) (bool, error)
	// Rebuild replaces the projected state of a list unless a newer version
	// was applied in the meantime.
	Rebuild(ctx context.Context, snapshot Snapshot) error
}

// Loader reads the full history of a list.
type Loader interface {
	Load(ctx context.Context, key todolist.Key) ([]todolist.Envelope, error)
}

type Service struct {
	Projection Projection
	Log        Loader
	Metrics    *metrics.Registry
	Logger     zerolog.Logger
}

func NewService(projection Projection, log Loader) *Service {
	return &Service{
		Projection: projection,
		Log:        log,
		Metrics:    metrics.Default,
		Logger:     zerolog.Nop(),
	}
}

// Handle projects one published list event. Duplicates are skipped; an event
// that arrives after a gap triggers a rebuild from the event log.
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	env, err := decodeEvent(payload)
	if err != nil {
		s.record("unknown", "rejected")
		return err
	}
	eventType := string(env.Event.EventType())

	applied, err := s.Projection.Apply(ctx, env)
	switch {
	case errors.Is(err, ErrOffsetGap):
		s.Logger.Info().
			Str("user_id", env.Key.UserID).
			Str("list_id", env.Key.ListID).
			Int("version", env.Version).
			Msg("projection gap, rebuilding from event log")
		if err := s.Rebuild(ctx, env.Key); err != nil {
			s.record(eventType, "error")
			return err
		}
		s.record(eventType, "rebuilt")
		return nil
	case err != nil:
		s.record(eventType, "error")
		return err
	case !applied:
		s.record(eventType, "duplicate")
		return nil
	default:
		s.record(eventType, "applied")
		return nil
	}
}

// Rebuild recomputes the projected state of key from its full history.
func (s *Service) Rebuild(ctx context.Context, key todolist.Key) error {
	envs, err := s.Log.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", key.UserID, key.ListID, err)
	}
	return s.Projection.Rebuild(ctx, Project(key, envs))
}

// Project folds a list history into its read model state.
func Project(key todolist.Key, envs []todolist.Envelope) Snapshot {
	snapshot := Snapshot{Key: key, Completed: replay.Completed(envs)}
	pending := map[string]PendingTodo{}
	order := make([]string, 0)
	for _, env := range envs {
		snapshot.Version = env.Version
		switch e := env.Event.(type) {
		case todolist.TodoAdded:
			order = append(order, e.ID)
			pending[e.ID] = PendingTodo{ID: e.ID, Task: e.Task, AddedTask: e.Task}
		case todolist.DeferredTodoAdded:
			order = append(order, e.ID)
			pending[e.ID] = PendingTodo{ID: e.ID, Task: e.Task, AddedTask: e.Task}
		case todolist.TodoDisplaced:
			if p, ok := pending[e.ID]; ok {
				p.Task, p.AddedTask = e.Task, e.Task
				pending[e.ID] = p
			}
		case todolist.TodoUpdated:
			if p, ok := pending[e.ID]; ok {
				p.Task = e.Task
				pending[e.ID] = p
			}
		case todolist.TodoCompleted:
			delete(pending, e.ID)
		case todolist.TodoDeleted:
			delete(pending, e.ID)
		}
	}
	for _, id := range order {
		p, ok := pending[id]
		if !ok {
			continue
		}
		snapshot.Pending = append(snapshot.Pending, p)
		delete(pending, id)
	}
	return snapshot
}

// IsTerminal reports whether redelivering the message cannot succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload) || errors.Is(err, ErrUnsupportedEventType)
}

func decodeEvent(payload []byte) (todolist.Envelope, error) {
	var event contracts.ListEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return todolist.Envelope{}, ErrInvalidEventPayload
	}
	if strings.TrimSpace(event.UserID) == "" || strings.TrimSpace(event.ListID) == "" || event.Version < 1 {
		return todolist.Envelope{}, ErrInvalidEventPayload
	}
	env, err := eventlog.Decode(eventlog.Entry{
		UserID:     event.UserID,
		ListID:     event.ListID,
		Version:    event.Version,
		EventType:  todolist.EventType(event.EventType),
		Payload:    event.Payload,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrUnknownEventType) {
			return todolist.Envelope{}, fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.EventType)
		}
		return todolist.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEventPayload, err)
	}
	return env, nil
}

func (s *Service) record(eventType, outcome string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ProjectedEvents.WithLabelValues(eventType, outcome).Inc()
}
