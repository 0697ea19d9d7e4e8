package todolist

import "time"

// EventType is the stable tag stored next to every serialized event. It
// selects the payload schema when the event log is read back.
type EventType string

const (
	TypeTodoAdded         EventType = "todo.added"
	TypeDeferredTodoAdded EventType = "todo.deferred_added"
	TypeTodoCompleted     EventType = "todo.completed"
	TypeTodoDeleted       EventType = "todo.deleted"
	TypeTodoDisplaced     EventType = "todo.displaced"
	TypeTodoMoved         EventType = "todo.moved"
	TypeTodoUpdated       EventType = "todo.updated"
	TypePulled            EventType = "list.pulled"
	TypeEscalated         EventType = "list.escalated"
	TypeUnlocked          EventType = "list.unlocked"
)

// EventTypes lists every known event type in declaration order.
var EventTypes = []EventType{
	TypeTodoAdded,
	TypeDeferredTodoAdded,
	TypeTodoCompleted,
	TypeTodoDeleted,
	TypeTodoDisplaced,
	TypeTodoMoved,
	TypeTodoUpdated,
	TypePulled,
	TypeEscalated,
	TypeUnlocked,
}

// Event is a recorded state transition of a list. The set is closed: only
// the types declared in this package implement it.
type Event interface {
	EventType() EventType
	sealed()
}

// TodoAdded places a new todo at the end of the now sublist.
type TodoAdded struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

// DeferredTodoAdded places a new todo at the end of the later sublist.
type DeferredTodoAdded struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

type TodoCompleted struct {
	ID          string    `json:"id"`
	CompletedAt time.Time `json:"completed_at"`
}

type TodoDeleted struct {
	ID string `json:"id"`
}

// TodoDisplaced pushes a now item to the top of the later sublist. Task is
// the text of the pushed item.
type TodoDisplaced struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

type TodoMoved struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
}

type TodoUpdated struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

type Pulled struct{}

type Escalated struct{}

type Unlocked struct {
	UnlockedAt time.Time `json:"unlocked_at"`
}

func (TodoAdded) EventType() EventType         { return TypeTodoAdded }
func (DeferredTodoAdded) EventType() EventType { return TypeDeferredTodoAdded }
func (TodoCompleted) EventType() EventType     { return TypeTodoCompleted }
func (TodoDeleted) EventType() EventType       { return TypeTodoDeleted }
func (TodoDisplaced) EventType() EventType     { return TypeTodoDisplaced }
func (TodoMoved) EventType() EventType         { return TypeTodoMoved }
func (TodoUpdated) EventType() EventType       { return TypeTodoUpdated }
func (Pulled) EventType() EventType            { return TypePulled }
func (Escalated) EventType() EventType         { return TypeEscalated }
func (Unlocked) EventType() EventType          { return TypeUnlocked }

func (TodoAdded) sealed()         {}
func (DeferredTodoAdded) sealed() {}
func (TodoCompleted) sealed()     {}
func (TodoDeleted) sealed()       {}
func (TodoDisplaced) sealed()     {}
func (TodoMoved) sealed()         {}
func (TodoUpdated) sealed()       {}
func (Pulled) sealed()            {}
func (Escalated) sealed()         {}
func (Unlocked) sealed()          {}

// Key identifies one list.
type Key struct {
	UserID string
	ListID string
}

// Envelope wraps an event with the list it belongs to and its place in the
// list's history. Versions start at 1.
type Envelope struct {
	Key        Key
	Version    int
	OccurredAt time.Time
	Event      Event
}
