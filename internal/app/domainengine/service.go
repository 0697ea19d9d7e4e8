package domainengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/app/query"
	"github.com/todo-1m/nowlater/internal/app/replay"
	"github.com/todo-1m/nowlater/internal/contracts"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/sharding"
	"github.com/todo-1m/nowlater/internal/todolist"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidCommandPayload = errors.New("invalid command payload")

// ErrUnsupportedCommandAction prevents unknown write-model transitions.
var ErrUnsupportedCommandAction = errors.New("unsupported command action")

// ErrRetryExhausted is returned when every attempt lost the append race. It
// wraps eventlog.ErrConcurrentModification.
var ErrRetryExhausted = errors.New("command retries exhausted")

const DefaultMaxAttempts = 5

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Store   eventlog.Store
	Engine  *replay.Engine
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
	// Location decides where a calendar day starts for the unlock gate.
	Location    *time.Location
	MaxAttempts uint
	NewBackOff  func() backoff.BackOff
	Metrics     *metrics.Registry
	Logger      zerolog.Logger

	tracer trace.Tracer
}

// Result is the outcome of one executed command.
type Result struct {
	View   query.View
	Events []todolist.Envelope
}

func NewService(store eventlog.Store, publish PublishFunc, opts ...todolist.Option) *Service {
	return &Service{
		Store:       store,
		Engine:      replay.NewEngine(store, opts...),
		Publish:     publish,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
		Location:    time.UTC,
		MaxAttempts: DefaultMaxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
		Metrics: metrics.Default,
		Logger:  zerolog.Nop(),
		tracer:  otel.Tracer("github.com/todo-1m/nowlater/internal/app/domainengine"),
	}
}

// Execute runs cmd against the current state of the list and appends the
// resulting events. A lost append race re-runs the whole cycle; domain
// rejections are returned unchanged and leave the log untouched.
func (s *Service) Execute(ctx context.Context, key todolist.Key, cmd todolist.Command) (Result, error) {
	return s.execute(ctx, key, cmd, "")
}

func (s *Service) execute(ctx context.Context, key todolist.Key, cmd todolist.Command, commandID string) (Result, error) {
	ctx, span := s.startSpan(ctx, key, cmd)
	defer span.End()

	attempts := 0
	operation := func() (Result, error) {
		attempts++
		return s.attempt(ctx, key, cmd)
	}
	notify := func(err error, wait time.Duration) {
		s.metrics().ConflictRetries.Inc()
		s.Logger.Debug().
			Str("user_id", key.UserID).
			Str("list_id", key.ListID).
			Str("command", cmd.CommandName()).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("append conflict, retrying")
	}

	maxAttempts := s.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.backOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(notify),
	)
	span.SetAttributes(attribute.Int("command.attempts", attempts))
	if err != nil {
		if errors.Is(err, eventlog.ErrConcurrentModification) {
			err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
		}
		s.record(cmd, err)
		if !IsRejection(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Result{}, err
	}
	s.record(cmd, nil)
	s.publish(key, commandID, result.Events)
	return result, nil
}

func (s *Service) attempt(ctx context.Context, key todolist.Key, cmd todolist.Command) (Result, error) {
	list, err := s.Engine.Reconstruct(ctx, key)
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	now := s.localNow()
	next, envs, err := list.Execute(cmd, now)
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	if len(envs) == 0 {
		return Result{View: query.NewView(next, now)}, nil
	}

	entries, err := eventlog.EncodeAll(envs)
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	if _, err := s.Store.Append(ctx, key, list.Version(), entries); err != nil {
		if errors.Is(err, eventlog.ErrConcurrentModification) {
			return Result{}, err
		}
		return Result{}, backoff.Permanent(fmt.Errorf("append events: %w", err))
	}
	for _, env := range envs {
		s.metrics().EventsAppended.WithLabelValues(string(env.Event.EventType())).Inc()
	}
	return Result{View: query.NewView(next, now), Events: envs}, nil
}

// publish fans committed events out. The log is already written, so a
// failed publish is logged and not returned.
func (s *Service) publish(key todolist.Key, commandID string, envs []todolist.Envelope) {
	if s.Publish == nil || len(envs) == 0 {
		return
	}
	subject := sharding.EventSubject(key.UserID, key.ListID)
	shardID := sharding.ListShardID(key.UserID, key.ListID)
	for _, env := range envs {
		entry, err := eventlog.Encode(env)
		if err != nil {
			s.Logger.Error().Err(err).Int("version", env.Version).Msg("encode event for publish")
			continue
		}
		payload, err := json.Marshal(contracts.ListEvent{
			EventID:    s.NewID(),
			CommandID:  commandID,
			UserID:     key.UserID,
			ListID:     key.ListID,
			Version:    entry.Version,
			EventType:  string(entry.EventType),
			Payload:    entry.Payload,
			OccurredAt: entry.OccurredAt,
			ShardID:    shardID,
		})
		if err != nil {
			s.Logger.Error().Err(err).Int("version", env.Version).Msg("marshal list event")
			continue
		}
		if err := s.Publish(subject, payload); err != nil {
			s.Logger.Warn().Err(err).
				Str("subject", subject).
				Int("version", env.Version).
				Msg("publish list event")
		}
	}
}

// Dispatch executes a wire command.
func (s *Service) Dispatch(ctx context.Context, msg contracts.ListCommand) (Result, error) {
	key := todolist.Key{UserID: strings.TrimSpace(msg.UserID), ListID: strings.TrimSpace(msg.ListID)}
	if key.UserID == "" || key.ListID == "" {
		return Result{}, ErrInvalidCommandPayload
	}
	cmd, err := s.toCommand(msg)
	if err != nil {
		return Result{}, err
	}
	return s.execute(ctx, key, cmd, msg.CommandID)
}

// Handle consumes one command message from the command stream.
func (s *Service) Handle(ctx context.Context, commandSubject string, commandPayload []byte) error {
	var msg contracts.ListCommand
	if err := json.Unmarshal(commandPayload, &msg); err != nil {
		return ErrInvalidCommandPayload
	}
	result, err := s.Dispatch(ctx, msg)
	if err != nil {
		return err
	}
	s.Logger.Debug().
		Str("subject", commandSubject).
		Int("shard_id", ShardFromSubject(msg.UserID+"/"+msg.ListID, commandSubject)).
		Str("command_id", msg.CommandID).
		Int("version", result.View.Version).
		Msg("command handled")
	return nil
}

func (s *Service) toCommand(msg contracts.ListCommand) (todolist.Command, error) {
	action := strings.TrimSpace(strings.ToLower(msg.Action))
	if err := validateFields(action, msg); err != nil {
		return nil, err
	}
	switch action {
	case contracts.ActionAdd:
		schedule, err := todolist.ParseSchedule(msg.Schedule)
		if err != nil {
			return nil, err
		}
		id := msg.TodoID
		if id == "" {
			id = s.NewID()
		}
		return todolist.AddTodo{ID: id, Task: msg.Task, Schedule: schedule}, nil
	case contracts.ActionComplete:
		return todolist.CompleteTodo{ID: msg.TodoID}, nil
	case contracts.ActionDelete:
		return todolist.DeleteTodo{ID: msg.TodoID}, nil
	case contracts.ActionUpdate:
		return todolist.UpdateTodo{ID: msg.TodoID, Task: msg.Task}, nil
	case contracts.ActionDisplace:
		newID := msg.NewTodoID
		if newID == "" {
			newID = s.NewID()
		}
		return todolist.DisplaceTodo{ID: msg.TodoID, NewID: newID, Task: msg.Task}, nil
	case contracts.ActionMove:
		return todolist.MoveTodo{SourceID: msg.TodoID, TargetID: msg.TargetID}, nil
	case contracts.ActionPull:
		return todolist.Pull{}, nil
	case contracts.ActionUnlock:
		return todolist.Unlock{}, nil
	case contracts.ActionEscalate:
		return todolist.Escalate{}, nil
	default:
		return nil, ErrUnsupportedCommandAction
	}
}

func validateFields(action string, msg contracts.ListCommand) error {
	switch action {
	case contracts.ActionAdd, contracts.ActionUpdate, contracts.ActionDisplace:
		if strings.TrimSpace(msg.Task) == "" {
			return fmt.Errorf("%w: task is required", ErrInvalidCommandPayload)
		}
	}
	switch action {
	case contracts.ActionComplete, contracts.ActionDelete, contracts.ActionUpdate, contracts.ActionDisplace, contracts.ActionMove:
		if strings.TrimSpace(msg.TodoID) == "" {
			return fmt.Errorf("%w: todo_id is required", ErrInvalidCommandPayload)
		}
	}
	if action == contracts.ActionMove && strings.TrimSpace(msg.TargetID) == "" {
		return fmt.Errorf("%w: target_id is required", ErrInvalidCommandPayload)
	}
	return nil
}

// IsRejection reports whether err is a domain decision that no retry of the
// same command can change.
func IsRejection(err error) bool {
	if errors.Is(err, replay.ErrCorruptLog) {
		return false
	}
	return errors.Is(err, todolist.ErrListFull) ||
		errors.Is(err, todolist.ErrDuplicateTodo) ||
		errors.Is(err, todolist.ErrTodoNotFound) ||
		errors.Is(err, todolist.ErrLockTimerNotExpired) ||
		errors.Is(err, todolist.ErrInvalidSchedule)
}

// IsTerminal reports whether a consumed command must not be redelivered.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidCommandPayload) ||
		errors.Is(err, ErrUnsupportedCommandAction) ||
		IsRejection(err)
}

func ShardFromSubject(entityID, subject string) int {
	parts := strings.Split(subject, ".")
	if len(parts) > 2 {
		if shard, err := strconv.Atoi(parts[2]); err == nil {
			return shard
		}
	}
	return sharding.GetShardID(entityID)
}

func (s *Service) localNow() time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return s.Now().In(loc)
}

func (s *Service) backOff() backoff.BackOff {
	if s.NewBackOff == nil {
		return &backoff.ZeroBackOff{}
	}
	return s.NewBackOff()
}

func (s *Service) metrics() *metrics.Registry {
	if s.Metrics == nil {
		return metrics.Default
	}
	return s.Metrics
}

func (s *Service) record(cmd todolist.Command, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsRejection(err):
		outcome = "rejected"
	case errors.Is(err, ErrRetryExhausted):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	s.metrics().Commands.WithLabelValues(cmd.CommandName(), outcome).Inc()
}

func (s *Service) startSpan(ctx context.Context, key todolist.Key, cmd todolist.Command) (context.Context, trace.Span) {
	tracer := s.tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/todo-1m/nowlater/internal/app/domainengine")
	}
	return tracer.Start(ctx, "domainengine.Execute", trace.WithAttributes(
		attribute.String("list.user_id", key.UserID),
		attribute.String("list.id", key.ListID),
		attribute.String("command.name", cmd.CommandName()),
	))
}
