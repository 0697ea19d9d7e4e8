package natsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/messaging"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(ctx context.Context, url, name string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url, name)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// Ready reports whether the connection is usable.
func (c *Client) Ready() error {
	if c == nil || c.Conn == nil {
		return fmt.Errorf("nats connection is nil")
	}
	if status := c.Conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", status.String())
	}
	return nil
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, payload []byte) error {
	_, err := p.JS.Publish(subject, payload)
	return err
}

// PublishDedup publishes with a Nats-Msg-Id header so the stream drops
// repeats of msgID inside its duplicate window.
func (p JetStreamPublisher) PublishDedup(subject, msgID string, payload []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	_, err := p.JS.PublishMsg(msg)
	return err
}

// Acker is the acknowledgement half of a JetStream message.
type Acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Settle acknowledges a processed message. Terminal errors are discarded with
// Term; any other error asks for redelivery.
func Settle(msg Acker, subject string, err error, terminal func(error) bool, logger zerolog.Logger) {
	switch {
	case err == nil:
		_ = msg.Ack()
	case terminal(err):
		logger.Warn().Err(err).Str("subject", subject).Msg("discarding message")
		_ = msg.Term()
	default:
		logger.Error().Err(err).Str("subject", subject).Msg("message processing failed")
		_ = msg.Nak()
	}
}

// QueueSubscribe consumes subject as a durable queue group with manual acks.
// handle runs under ctx; its error decides how the message is settled.
func QueueSubscribe(
	ctx context.Context,
	js nats.JetStreamContext,
	subject, queue string,
	handle func(ctx context.Context, subject string, data []byte) error,
	terminal func(error) bool,
	logger zerolog.Logger,
) (*nats.Subscription, error) {
	return js.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		err := handle(ctx, msg.Subject, msg.Data)
		Settle(msg, msg.Subject, err, terminal, logger)
	}, nats.Durable(queue), nats.ManualAck(), nats.AckWait(30*time.Second))
}
