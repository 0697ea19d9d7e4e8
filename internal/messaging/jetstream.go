package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	CommandsStream = "COMMANDS"
	EventsStream   = "EVENTS"

	CommandSubjects = "app.command.>"
	EventSubjects   = "app.event.>"
)

// Streams are the JetStream streams the list services rely on. Commands are
// work items and are dropped once acknowledged; events are kept for replay
// by late projections.
var Streams = []nats.StreamConfig{
	{
		Name:       CommandsStream,
		Subjects:   []string{CommandSubjects},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	},
	{
		Name:      EventsStream,
		Subjects:  []string{EventSubjects},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
		MaxAge:    7 * 24 * time.Hour,
	},
}

// StreamManager is the subset of nats.JetStreamContext used to manage streams.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureStreams creates any of Streams that does not exist yet. Existing
// streams are left as configured.
func EnsureStreams(js StreamManager) error {
	for i := range Streams {
		cfg := Streams[i]
		if _, err := js.StreamInfo(cfg.Name); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return err
			}
			if _, err := js.AddStream(&cfg); err != nil {
				return err
			}
		}
	}
	return nil
}
