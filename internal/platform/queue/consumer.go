package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fhirsub/fhirsub/internal/domain/notify"
	"github.com/fhirsub/fhirsub/internal/domain/subscription"
)

const (
	eventBatchSize = 25
	fetchWait      = 5 * time.Second
)

// SubscriptionProcessor handles subscription CRUD actions.
type SubscriptionProcessor interface {
	ProcessSubscription(ctx context.Context, id, action string) error
}

// ResourceEventProcessor evaluates changed resources for matches.
type ResourceEventProcessor interface {
	ProcessResourceEvent(ctx context.Context, resType, resID string) error
}

// NotifyDispatcher classifies one delivery attempt.
type NotifyDispatcher interface {
	Dispatch(ctx context.Context, msg subscription.NotifyMessage, retryCount int) notify.Outcome
}

// StartNotifyConsumer consumes the notify subject and acknowledges each
// message according to the dispatcher's outcome: Delivered acks, Retry
// schedules a deferred redelivery, DeadLetter copies the message to the DLQ
// subject and acks the original.
func (c *Client) StartNotifyConsumer(ctx context.Context, dispatcher NotifyDispatcher) (jetstream.ConsumeContext, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.NotifyStream, jetstream.ConsumerConfig{
		Durable:       "fhirsub-notify",
		FilterSubject: c.cfg.NotifySubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, err
	}

	return cons.Consume(func(m jetstream.Msg) {
		c.handleNotifyMsg(m, dispatcher)
	})
}

// handleNotifyMsg acknowledges one notify message per the dispatcher's
// outcome.
func (c *Client) handleNotifyMsg(m jetstream.Msg, dispatcher NotifyDispatcher) {
	var msg subscription.NotifyMessage
	if err := json.Unmarshal(m.Data(), &msg); err != nil {
		c.logger.Error().Err(err).Msg("unparsable notify message, dead-lettering")
		_ = c.publishDeadLetter(context.Background(), m.Data(), "unparsable notify message")
		_ = m.Ack()
		return
	}

	retryCount := 0
	if meta, err := m.Metadata(); err == nil && meta.NumDelivered > 0 {
		retryCount = int(meta.NumDelivered) - 1
	}

	outcome := dispatcher.Dispatch(context.Background(), msg, retryCount)
	switch outcome.Kind {
	case notify.OutcomeDelivered:
		_ = m.Ack()
	case notify.OutcomeRetry:
		// Deferred redelivery: the transport re-presents the message
		// after the delay with its delivery count incremented.
		_ = m.NakWithDelay(outcome.Delay)
	case notify.OutcomeDeadLetter:
		if err := c.publishDeadLetter(context.Background(), m.Data(), outcome.Reason); err != nil {
			c.logger.Error().Err(err).Msg("failed to publish dead letter, leaving message for redelivery")
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}
}

// RunEventLoop fetches resource-change events in batches and processes each
// event in a batch sequentially. A failing event does not abort the batch:
// its error is captured, the message is left for redelivery, and processing
// continues; already-succeeded events are acknowledged individually.
func (c *Client) RunEventLoop(ctx context.Context, subs SubscriptionProcessor, events ResourceEventProcessor) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.EventStream, jetstream.ConsumerConfig{
		Durable:       "fhirsub-events",
		FilterSubject: c.cfg.EventSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := cons.Fetch(eventBatchSize, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Error().Err(err).Msg("fetching event batch failed")
			continue
		}

		var failed []error
		for m := range batch.Messages() {
			if err := c.processEvent(ctx, m.Data(), subs, events); err != nil {
				// Keep processing the rest of the batch; this message is
				// redelivered on its own.
				failed = append(failed, err)
				_ = m.Nak()
				continue
			}
			_ = m.Ack()
		}
		if err := batch.Error(); err != nil {
			c.logger.Error().Err(err).Msg("event batch terminated early")
		}
		if len(failed) > 0 {
			c.logger.Error().Err(errors.Join(failed...)).Int("failed", len(failed)).
				Msg("event batch completed with failures")
		}
	}
}

func (c *Client) processEvent(ctx context.Context, data []byte, subs SubscriptionProcessor, events ResourceEventProcessor) error {
	c.logger.Info().Str("message", string(data)).Msg("processing message")
	var event ResourceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// Malformed events can never succeed; log and drop.
		c.logger.Error().Err(err).Str("message", string(data)).Msg("unparsable resource event, dropping")
		return nil
	}
	if event.ResourceType == "Subscription" {
		return subs.ProcessSubscription(ctx, event.ID, event.Action)
	}
	return events.ProcessResourceEvent(ctx, event.ResourceType, event.ID)
}
