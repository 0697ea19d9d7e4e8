package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/todo-1m/nowlater/internal/todolist"
)

// Encode converts an envelope into its stored form.
func Encode(env todolist.Envelope) (Entry, error) {
	if env.Event == nil {
		return Entry{}, fmt.Errorf("encode version %d: %w", env.Version, todolist.ErrUnknownEvent)
	}
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s: %w", env.Event.EventType(), err)
	}
	return Entry{
		UserID:     env.Key.UserID,
		ListID:     env.Key.ListID,
		Version:    env.Version,
		EventType:  env.Event.EventType(),
		Payload:    payload,
		OccurredAt: env.OccurredAt.UTC(),
	}, nil
}

func EncodeAll(envs []todolist.Envelope) ([]Entry, error) {
	entries := make([]Entry, 0, len(envs))
	for _, env := range envs {
		entry, err := Encode(env)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Decode converts a stored entry back into an envelope. The type tag alone
// selects the payload schema.
func Decode(entry Entry) (todolist.Envelope, error) {
	event, err := decodePayload(entry.EventType, entry.Payload)
	if err != nil {
		return todolist.Envelope{}, fmt.Errorf("decode version %d: %w", entry.Version, err)
	}
	return todolist.Envelope{
		Key:        todolist.Key{UserID: entry.UserID, ListID: entry.ListID},
		Version:    entry.Version,
		OccurredAt: entry.OccurredAt,
		Event:      event,
	}, nil
}

func DecodeAll(entries []Entry) ([]todolist.Envelope, error) {
	envs := make([]todolist.Envelope, 0, len(entries))
	for _, entry := range entries {
		env, err := Decode(entry)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func decodePayload(eventType todolist.EventType, payload []byte) (todolist.Event, error) {
	switch eventType {
	case todolist.TypeTodoAdded:
		return decodeAs[todolist.TodoAdded](payload)
	case todolist.TypeDeferredTodoAdded:
		return decodeAs[todolist.DeferredTodoAdded](payload)
	case todolist.TypeTodoCompleted:
		return decodeAs[todolist.TodoCompleted](payload)
	case todolist.TypeTodoDeleted:
		return decodeAs[todolist.TodoDeleted](payload)
	case todolist.TypeTodoDisplaced:
		return decodeAs[todolist.TodoDisplaced](payload)
	case todolist.TypeTodoMoved:
		return decodeAs[todolist.TodoMoved](payload)
	case todolist.TypeTodoUpdated:
		return decodeAs[todolist.TodoUpdated](payload)
	case todolist.TypePulled:
		return decodeAs[todolist.Pulled](payload)
	case todolist.TypeEscalated:
		return decodeAs[todolist.Escalated](payload)
	case todolist.TypeUnlocked:
		return decodeAs[todolist.Unlocked](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

func decodeAs[E todolist.Event](payload []byte) (todolist.Event, error) {
	var event E
	if len(payload) == 0 {
		return event, nil
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.EventType(), err)
	}
	return event, nil
}
