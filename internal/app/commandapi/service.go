package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/todo-1m/nowlater/internal/app/domainengine"
	"github.com/todo-1m/nowlater/internal/contracts"
	"github.com/todo-1m/nowlater/internal/sharding"
	"github.com/todo-1m/nowlater/internal/todolist"
)

var ErrTaskRequired = errors.New("task is required")
var ErrInvalidListID = errors.New("list_id must be 1-64 letters, digits, '-' or '_'")
var ErrTodoIDRequired = errors.New("todo_id is required")
var ErrTargetIDRequired = errors.New("target_id is required")
var ErrUnsupportedAction = errors.New("unsupported action")

// ErrAsyncUnavailable is returned for an async request when no command
// stream is configured.
var ErrAsyncUnavailable = errors.New("async commands are not enabled")

// listIDPattern keeps list ids usable as a single NATS subject token.
var listIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PublishFunc sends a command to the command stream. msgID lets the stream
// drop a repeated publish of the same command.
type PublishFunc func(subject, msgID string, payload []byte) error

// Dispatcher executes a command synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd contracts.ListCommand) (domainengine.Result, error)
}

type Service struct {
	Dispatcher Dispatcher
	// Publish is optional; when set, async requests go to the command stream.
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

type Actor struct {
	UserID   string
	Username string
}

type CommandRequest struct {
	Action   string `json:"action"`
	TodoID   string `json:"todo_id"`
	TargetID string `json:"target_id"`
	Task     string `json:"task"`
	Schedule string `json:"schedule"`
}

type CommandResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
	TodoID    string `json:"todo_id,omitempty"`
}

func NewService(dispatcher Dispatcher, publish PublishFunc) *Service {
	return &Service{
		Dispatcher: dispatcher,
		Publish:    publish,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      nuid.Next,
	}
}

func normalizeAction(action string) string {
	action = strings.TrimSpace(strings.ToLower(action))
	if action == "" {
		return contracts.ActionAdd
	}
	return action
}

// Prepare validates req and turns it into a wire command owned by actor.
// New todos get their id here so a redelivered command cannot add twice.
func (s *Service) Prepare(actor Actor, listID string, req CommandRequest) (contracts.ListCommand, error) {
	listID = strings.TrimSpace(listID)
	if !listIDPattern.MatchString(listID) {
		return contracts.ListCommand{}, ErrInvalidListID
	}
	action := normalizeAction(req.Action)
	todoID := strings.TrimSpace(req.TodoID)
	targetID := strings.TrimSpace(req.TargetID)
	task := strings.TrimSpace(req.Task)

	switch action {
	case contracts.ActionAdd:
		if task == "" {
			return contracts.ListCommand{}, ErrTaskRequired
		}
		if _, err := todolist.ParseSchedule(req.Schedule); err != nil {
			return contracts.ListCommand{}, err
		}
	case contracts.ActionUpdate, contracts.ActionDisplace:
		if todoID == "" {
			return contracts.ListCommand{}, ErrTodoIDRequired
		}
		if task == "" {
			return contracts.ListCommand{}, ErrTaskRequired
		}
	case contracts.ActionComplete, contracts.ActionDelete:
		if todoID == "" {
			return contracts.ListCommand{}, ErrTodoIDRequired
		}
	case contracts.ActionMove:
		if todoID == "" {
			return contracts.ListCommand{}, ErrTodoIDRequired
		}
		if targetID == "" {
			return contracts.ListCommand{}, ErrTargetIDRequired
		}
	case contracts.ActionPull, contracts.ActionUnlock, contracts.ActionEscalate:
	default:
		return contracts.ListCommand{}, ErrUnsupportedAction
	}

	cmd := contracts.ListCommand{
		CommandID: s.NewID(),
		UserID:    actor.UserID,
		ListID:    listID,
		Action:    action,
		TodoID:    todoID,
		TargetID:  targetID,
		Task:      task,
		Schedule:  strings.TrimSpace(req.Schedule),
		CreatedAt: s.Now(),
	}
	switch action {
	case contracts.ActionAdd:
		cmd.TodoID = cmd.CommandID
	case contracts.ActionDisplace:
		cmd.NewTodoID = cmd.CommandID
	}
	return cmd, nil
}

// Execute runs the command now and returns the resulting state.
func (s *Service) Execute(ctx context.Context, actor Actor, listID string, req CommandRequest) (domainengine.Result, contracts.ListCommand, error) {
	cmd, err := s.Prepare(actor, listID, req)
	if err != nil {
		return domainengine.Result{}, contracts.ListCommand{}, err
	}
	result, err := s.Dispatcher.Dispatch(ctx, cmd)
	return result, cmd, err
}

// Accept publishes the command to the command stream and returns at once.
func (s *Service) Accept(actor Actor, listID string, req CommandRequest) (CommandResponse, error) {
	if s.Publish == nil {
		return CommandResponse{}, ErrAsyncUnavailable
	}
	cmd, err := s.Prepare(actor, listID, req)
	if err != nil {
		return CommandResponse{}, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return CommandResponse{}, err
	}
	if err := s.Publish(sharding.CommandSubject(cmd.UserID, cmd.ListID), cmd.CommandID, payload); err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{
		Status:    "accepted",
		CommandID: cmd.CommandID,
		TodoID:    createdTodoID(cmd),
	}, nil
}

func createdTodoID(cmd contracts.ListCommand) string {
	switch cmd.Action {
	case contracts.ActionAdd:
		return cmd.TodoID
	case contracts.ActionDisplace:
		return cmd.NewTodoID
	default:
		return ""
	}
}
