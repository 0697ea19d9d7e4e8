package todolist

import (
	"slices"
	"time"
)

// DefaultNowCapacity is the number of todos the now sublist may hold.
const DefaultNowCapacity = 2

// List is the todo list aggregate. It is never stored; it is rebuilt from the
// list's events and only lives for the duration of one command or query.
//
// Items before the demarcation index form the now sublist, the rest form the
// later sublist. A List value is immutable: Apply and Execute return a new
// value and never write to the item slice of the receiver.
type List struct {
	key             Key
	items           []Todo
	demarcation     int
	nowCapacity     int
	lastUnlockedAt  time.Time
	lastEscalatedAt time.Time
	version         int
}

type Option func(*List)

// WithNowCapacity overrides DefaultNowCapacity. Values below one are ignored.
func WithNowCapacity(n int) Option {
	return func(l *List) {
		if n > 0 {
			l.nowCapacity = n
		}
	}
}

// New returns the empty list a history is replayed onto.
func New(key Key, opts ...Option) List {
	l := List{key: key, nowCapacity: DefaultNowCapacity}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

// Replay folds events onto an empty list in the given order. Replay does not
// validate commands; it re-applies recorded effects only.
func Replay(key Key, events []Envelope, opts ...Option) (List, error) {
	l := New(key, opts...)
	for _, env := range events {
		next, err := l.Apply(env)
		if err != nil {
			return List{}, err
		}
		l = next
	}
	return l, nil
}

func (l List) Key() Key                   { return l.key }
func (l List) Version() int               { return l.version }
func (l List) NowCapacity() int           { return l.nowCapacity }
func (l List) Demarcation() int           { return l.demarcation }
func (l List) Len() int                   { return len(l.items) }
func (l List) LastUnlockedAt() time.Time  { return l.lastUnlockedAt }
func (l List) LastEscalatedAt() time.Time { return l.lastEscalatedAt }

// Items returns a copy of all todos in list order.
func (l List) Items() []Todo { return slices.Clone(l.items) }

// Now returns a copy of the now sublist.
func (l List) Now() []Todo { return slices.Clone(l.items[:l.demarcation]) }

// Later returns a copy of the later sublist.
func (l List) Later() []Todo { return slices.Clone(l.items[l.demarcation:]) }

// Find returns the todo with the given id and whether it is in the now sublist.
func (l List) Find(id string) (Todo, bool, bool) {
	idx := l.indexOf(id)
	if idx < 0 {
		return Todo{}, false, false
	}
	return l.items[idx], idx < l.demarcation, true
}

// CanUnlock reports whether Unlock would succeed at the given time.
func (l List) CanUnlock(now time.Time) bool {
	return l.lastUnlockedAt.IsZero() || !sameDay(l.lastUnlockedAt, now)
}

// EscalatedOn reports whether the last escalation fell on the calendar day of
// now, in the location of now.
func (l List) EscalatedOn(now time.Time) bool {
	return !l.lastEscalatedAt.IsZero() && sameDay(l.lastEscalatedAt, now)
}

func (l List) indexOf(id string) int {
	return slices.IndexFunc(l.items, func(t Todo) bool { return t.ID == id })
}

// sublistBounds returns the half-open index range of the sublist holding idx.
func (l List) sublistBounds(idx int) (int, int) {
	if idx < l.demarcation {
		return 0, l.demarcation
	}
	return l.demarcation, len(l.items)
}

// hasTask reports whether items[from:to] holds task, ignoring index skip.
func hasTask(items []Todo, from, to int, task string, skip int) bool {
	for i := from; i < to; i++ {
		if i != skip && items[i].Task == task {
			return true
		}
	}
	return false
}

func hasDuplicateTask(items []Todo) bool {
	seen := make(map[string]struct{}, len(items))
	for _, t := range items {
		if _, ok := seen[t.Task]; ok {
			return true
		}
		seen[t.Task] = struct{}{}
	}
	return false
}

// sameDay reports whether a and b fall on the same calendar day in the
// location of b.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
