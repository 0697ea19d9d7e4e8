package todolist

import (
	"fmt"
	"time"
)

// Command is a request to change a list. Decide turns it into events.
type Command interface {
	CommandName() string
}

type AddTodo struct {
	ID       string
	Task     string
	Schedule Schedule
}

type CompleteTodo struct{ ID string }

type DeleteTodo struct{ ID string }

type UpdateTodo struct {
	ID   string
	Task string
}

// DisplaceTodo pushes the now item ID to the top of later and puts a new
// todo NewID with Task into the now sublist.
type DisplaceTodo struct {
	ID    string
	NewID string
	Task  string
}

type MoveTodo struct {
	SourceID string
	TargetID string
}

type Pull struct{}

type Unlock struct{}

type Escalate struct{}

func (AddTodo) CommandName() string      { return "add-todo" }
func (CompleteTodo) CommandName() string { return "complete-todo" }
func (DeleteTodo) CommandName() string   { return "delete-todo" }
func (UpdateTodo) CommandName() string   { return "update-todo" }
func (DisplaceTodo) CommandName() string { return "displace-todo" }
func (MoveTodo) CommandName() string     { return "move-todo" }
func (Pull) CommandName() string         { return "pull" }
func (Unlock) CommandName() string       { return "unlock" }
func (Escalate) CommandName() string     { return "escalate" }

// Decide validates cmd against the list and returns the events it produces.
// It does not change the list. A nil slice with a nil error means the
// command is a no-op.
func (l List) Decide(cmd Command, now time.Time) ([]Event, error) {
	switch c := cmd.(type) {
	case AddTodo:
		return l.decideAdd(c)
	case CompleteTodo:
		if l.indexOf(c.ID) < 0 {
			return nil, fmt.Errorf("%w: %q", ErrTodoNotFound, c.ID)
		}
		return []Event{TodoCompleted{ID: c.ID, CompletedAt: now}}, nil
	case DeleteTodo:
		if l.indexOf(c.ID) < 0 {
			return nil, fmt.Errorf("%w: %q", ErrTodoNotFound, c.ID)
		}
		return []Event{TodoDeleted{ID: c.ID}}, nil
	case UpdateTodo:
		return l.decideUpdate(c)
	case DisplaceTodo:
		return l.decideDisplace(c)
	case MoveTodo:
		return l.decideMove(c)
	case Pull:
		return l.decidePull()
	case Unlock:
		if !l.CanUnlock(now) {
			return nil, ErrLockTimerNotExpired
		}
		return []Event{Unlocked{UnlockedAt: now}}, nil
	case Escalate:
		return []Event{Escalated{}}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

// Execute decides cmd, stamps the resulting events with consecutive versions
// after the current one and applies them. On error the receiver is returned
// unchanged and no events are produced.
func (l List) Execute(cmd Command, now time.Time) (List, []Envelope, error) {
	events, err := l.Decide(cmd, now)
	if err != nil {
		return l, nil, err
	}
	next := l
	envelopes := make([]Envelope, 0, len(events))
	for _, event := range events {
		env := Envelope{Key: l.key, Version: next.version + 1, OccurredAt: now, Event: event}
		next, err = next.Apply(env)
		if err != nil {
			return l, nil, err
		}
		envelopes = append(envelopes, env)
	}
	return next, envelopes, nil
}

func (l List) decideAdd(c AddTodo) ([]Event, error) {
	if l.indexOf(c.ID) >= 0 {
		return nil, fmt.Errorf("%w: id %q", ErrDuplicateTodo, c.ID)
	}
	switch c.Schedule {
	case ScheduleNow:
		if l.demarcation >= l.nowCapacity {
			return nil, ErrListFull
		}
		if hasTask(l.items, 0, l.demarcation, c.Task, -1) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTodo, c.Task)
		}
		return []Event{TodoAdded{ID: c.ID, Task: c.Task}}, nil
	case ScheduleLater:
		if hasTask(l.items, l.demarcation, len(l.items), c.Task, -1) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTodo, c.Task)
		}
		return []Event{DeferredTodoAdded{ID: c.ID, Task: c.Task}}, nil
	default:
		return nil, ErrInvalidSchedule
	}
}

func (l List) decideUpdate(c UpdateTodo) ([]Event, error) {
	idx := l.indexOf(c.ID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrTodoNotFound, c.ID)
	}
	from, to := l.sublistBounds(idx)
	if hasTask(l.items, from, to, c.Task, idx) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTodo, c.Task)
	}
	return []Event{TodoUpdated{ID: c.ID, Task: c.Task}}, nil
}

func (l List) decideDisplace(c DisplaceTodo) ([]Event, error) {
	idx := l.indexOf(c.ID)
	if idx < 0 || idx >= l.demarcation {
		return nil, fmt.Errorf("%w: %q is not in the now list", ErrTodoNotFound, c.ID)
	}
	if c.NewID == c.ID || l.indexOf(c.NewID) >= 0 {
		return nil, fmt.Errorf("%w: id %q", ErrDuplicateTodo, c.NewID)
	}
	pushed := l.items[idx]
	if hasTask(l.items, l.demarcation, len(l.items), pushed.Task, -1) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTodo, pushed.Task)
	}
	if hasTask(l.items, 0, l.demarcation, c.Task, idx) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTodo, c.Task)
	}
	// Replay depends on this order: the slot is freed before it is refilled.
	return []Event{
		TodoDisplaced{ID: pushed.ID, Task: pushed.Task},
		TodoAdded{ID: c.NewID, Task: c.Task},
	}, nil
}

func (l List) decideMove(c MoveTodo) ([]Event, error) {
	from := l.indexOf(c.SourceID)
	if from < 0 {
		return nil, fmt.Errorf("%w: %q", ErrTodoNotFound, c.SourceID)
	}
	to := l.indexOf(c.TargetID)
	if to < 0 {
		return nil, fmt.Errorf("%w: %q", ErrTodoNotFound, c.TargetID)
	}
	if from == to {
		return nil, nil
	}
	if (from < l.demarcation) != (to < l.demarcation) {
		moved := relocate(l.items, from, to)
		if hasDuplicateTask(moved[:l.demarcation]) || hasDuplicateTask(moved[l.demarcation:]) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTodo, l.items[from].Task)
		}
	}
	return []Event{TodoMoved{ID: c.SourceID, TargetID: c.TargetID}}, nil
}

func (l List) decidePull() ([]Event, error) {
	boundary := max(l.demarcation, min(l.nowCapacity, len(l.items)))
	if hasDuplicateTask(l.items[:boundary]) {
		return nil, fmt.Errorf("%w: pulled task already in the now list", ErrDuplicateTodo)
	}
	return []Event{Pulled{}}, nil
}
