// Package eventlog stores list events in an append-only log keyed by
// (user, list, version) and converts them to and from their stored form.
package eventlog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/todo-1m/nowlater/internal/todolist"
)

// ErrConcurrentModification is returned by Append when the caller's expected
// version is not the latest stored version for the key.
var ErrConcurrentModification = errors.New("concurrent modification")

var ErrInvalidKey = errors.New("user_id and list_id are required")

// ErrUnknownEventType means a stored entry carries a type tag this build does
// not know. It is a configuration error and must stop replay.
var ErrUnknownEventType = errors.New("unknown event type")

// Entry is one stored event. Entries are never updated or deleted.
type Entry struct {
	UserID     string
	ListID     string
	Version    int
	EventType  todolist.EventType
	Payload    []byte
	OccurredAt time.Time
	CreatedAt  time.Time
}

// Store is the append-only event log.
//
// Append writes entries as versions expectedVersion+1 onwards, in order, and
// returns them with Version and CreatedAt set. Either every entry is written
// or none is. ReadAll returns the entries of a key ordered by version; an
// unknown key yields an empty slice.
type Store interface {
	Append(ctx context.Context, key todolist.Key, expectedVersion int, entries []Entry) ([]Entry, error)
	ReadAll(ctx context.Context, key todolist.Key) ([]Entry, error)
}

func validateKey(key todolist.Key) error {
	if strings.TrimSpace(key.UserID) == "" || strings.TrimSpace(key.ListID) == "" {
		return ErrInvalidKey
	}
	return nil
}

// stamp returns copies of entries carrying the key, consecutive versions
// after expectedVersion and the creation time.
func stamp(key todolist.Key, expectedVersion int, entries []Entry, createdAt time.Time) []Entry {
	out := make([]Entry, len(entries))
	for i, entry := range entries {
		entry.UserID = key.UserID
		entry.ListID = key.ListID
		entry.Version = expectedVersion + i + 1
		entry.CreatedAt = createdAt
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = createdAt
		}
		out[i] = entry
	}
	return out
}
