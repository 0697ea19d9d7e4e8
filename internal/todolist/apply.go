package todolist

import "fmt"

// Apply folds one event onto the list and returns the resulting list. It is
// the only place state changes; commands reach it through Execute and replay
// reaches it through Replay. Apply never checks command rules, but an event
// that names a todo the list does not hold cannot be applied and is reported
// as ErrTodoNotFound.
func (l List) Apply(env Envelope) (List, error) {
	next := l
	switch e := env.Event.(type) {
	case TodoAdded:
		next.items = insertAt(l.items, l.demarcation, e.ID, e.Task)
		next.demarcation++
	case DeferredTodoAdded:
		next.items = insertAt(l.items, len(l.items), e.ID, e.Task)
	case TodoCompleted:
		removed, err := l.without(e.ID)
		if err != nil {
			return l, applyError(env, err)
		}
		next = removed
	case TodoDeleted:
		removed, err := l.without(e.ID)
		if err != nil {
			return l, applyError(env, err)
		}
		next = removed
	case TodoUpdated:
		idx := l.indexOf(e.ID)
		if idx < 0 {
			return l, applyError(env, ErrTodoNotFound)
		}
		items := l.Items()
		items[idx].Task = e.Task
		next.items = items
	case TodoDisplaced:
		idx := l.indexOf(e.ID)
		if idx < 0 || idx >= l.demarcation {
			return l, applyError(env, ErrTodoNotFound)
		}
		next.items = relocate(l.items, idx, l.demarcation-1)
		next.demarcation--
	case TodoMoved:
		from, to := l.indexOf(e.ID), l.indexOf(e.TargetID)
		if from < 0 || to < 0 {
			return l, applyError(env, ErrTodoNotFound)
		}
		next.items = relocate(l.items, from, to)
	case Pulled:
		next.demarcation = max(l.demarcation, min(l.nowCapacity, len(l.items)))
	case Escalated:
		next.lastEscalatedAt = env.OccurredAt
	case Unlocked:
		next.lastUnlockedAt = e.UnlockedAt
	default:
		return l, fmt.Errorf("%w: %T", ErrUnknownEvent, env.Event)
	}
	next.version = l.version + 1
	return next, nil
}

func (l List) without(id string) (List, error) {
	idx := l.indexOf(id)
	if idx < 0 {
		return l, ErrTodoNotFound
	}
	next := l
	next.items = removeAt(l.items, idx)
	if idx < l.demarcation {
		next.demarcation--
	}
	return next, nil
}

func applyError(env Envelope, err error) error {
	return fmt.Errorf("apply %s at version %d: %w", env.Event.EventType(), env.Version, err)
}
