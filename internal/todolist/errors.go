package todolist

import "errors"

// Validation failures. They are detected before any event is produced, so a
// command that returns one of them leaves the list untouched.
var (
	ErrListFull            = errors.New("now list is full")
	ErrDuplicateTodo       = errors.New("todo already exists")
	ErrTodoNotFound        = errors.New("todo not found")
	ErrLockTimerNotExpired = errors.New("list was already unlocked today")
)

var ErrInvalidSchedule = errors.New("schedule must be now or later")

// ErrUnsupportedCommand is returned by Decide for command values it does not know.
var ErrUnsupportedCommand = errors.New("unsupported command")

// ErrUnknownEvent is returned by Apply for event values it does not know.
var ErrUnknownEvent = errors.New("unknown event")
