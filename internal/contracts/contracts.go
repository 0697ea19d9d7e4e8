package contracts

import (
	"encoding/json"
	"time"
)

// Command actions accepted on the command subjects and over HTTP.
const (
	ActionAdd      = "add"
	ActionComplete = "complete"
	ActionDelete   = "delete"
	ActionUpdate   = "update"
	ActionDisplace = "displace"
	ActionMove     = "move"
	ActionPull     = "pull"
	ActionUnlock   = "unlock"
	ActionEscalate = "escalate"
)

// ListCommand is published by todo-api and processed by domain-engine.
type ListCommand struct {
	CommandID string    `json:"command_id"`
	UserID    string    `json:"user_id"`
	ListID    string    `json:"list_id"`
	Action    string    `json:"action"`
	TodoID    string    `json:"todo_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	NewTodoID string    `json:"new_todo_id,omitempty"`
	Task      string    `json:"task,omitempty"`
	Schedule  string    `json:"schedule,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListEvent is one committed event, published by domain-engine and consumed
// by data-sink. Payload is the stored event payload.
type ListEvent struct {
	EventID    string          `json:"event_id"`
	CommandID  string          `json:"command_id,omitempty"`
	UserID     string          `json:"user_id"`
	ListID     string          `json:"list_id"`
	Version    int             `json:"version"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	ShardID    int             `json:"shard_id"`
}
