package eventlog

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/todo-1m/nowlater/internal/todolist"
)

// MemoryStore keeps the log in process memory. The mutex makes the version
// check and the append one atomic step.
type MemoryStore struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[todolist.Key][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:     func() time.Time { return time.Now().UTC() },
		entries: map[todolist.Key][]Entry{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, key todolist.Key, expectedVersion int, entries []Entry) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries[key]) != expectedVersion {
		return nil, ErrConcurrentModification
	}
	stamped := stamp(key, expectedVersion, entries, s.Now())
	for i := range stamped {
		stamped[i].Payload = slices.Clone(stamped[i].Payload)
	}
	s.entries[key] = append(s.entries[key], stamped...)
	return slices.Clone(stamped), nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, key todolist.Key) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.entries[key])
	if out == nil {
		out = []Entry{}
	}
	return out, nil
}
