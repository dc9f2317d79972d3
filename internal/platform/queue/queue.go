// Package queue carries the engine's messages over NATS JetStream: the
// resource-change event stream feeding the matcher and lifecycle manager,
// and the notify topic feeding the dispatcher, including its dead-letter
// subject.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/domain/subscription"
)

// ResourceEvent is the normalized change event handed over by ingestion
// adapters.
type ResourceEvent struct {
	ResourceType string `json:"resourcetype"`
	ID           string `json:"id"`
	Action       string `json:"action"`
}

// Config names the streams and subjects the engine uses.
type Config struct {
	EventStream   string
	EventSubject  string
	NotifyStream  string
	NotifySubject string
	DLQSubject    string
}

// Client owns the NATS connection and JetStream handles.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger zerolog.Logger
}

// Connect dials NATS and ensures the event and notify streams exist. The
// notify stream also holds the dead-letter subject so quarantined messages
// stay visible to operators.
func Connect(ctx context.Context, url string, cfg Config, logger zerolog.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("fhirsub"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.EventStream,
		Subjects: []string{cfg.EventSubject},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.NotifyStream,
		Subjects: []string{cfg.NotifySubject, cfg.DLQSubject},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure notify stream: %w", err)
	}

	return &Client{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// PublishNotify implements subscription.NotifyPublisher.
func (c *Client) PublishNotify(ctx context.Context, msg subscription.NotifyMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notify message: %w", err)
	}
	if _, err := c.js.Publish(ctx, c.cfg.NotifySubject, data); err != nil {
		return fmt.Errorf("publish notify message: %w", err)
	}
	return nil
}

// PublishEvent queues a resource-change event. Exposed for ingestion
// adapters and smoke tests.
func (c *Client) PublishEvent(ctx context.Context, event ResourceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode resource event: %w", err)
	}
	if _, err := c.js.Publish(ctx, c.cfg.EventSubject, data); err != nil {
		return fmt.Errorf("publish resource event: %w", err)
	}
	return nil
}

// publishDeadLetter copies a failed notify message onto the DLQ subject with
// the failure reason stamped in a header.
func (c *Client) publishDeadLetter(ctx context.Context, data []byte, reason string) error {
	msg := &nats.Msg{
		Subject: c.cfg.DLQSubject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Dead-Letter-Reason", reason)
	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
