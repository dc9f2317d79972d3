// Package notify delivers matched-event notifications to subscriber
// endpoints and classifies the outcome for the message transport.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/domain/subscription"
	"github.com/fhirsub/fhirsub/internal/platform/fhir"
	"github.com/fhirsub/fhirsub/internal/platform/metrics"
)

// OutcomeKind tags the result of one dispatch attempt.
type OutcomeKind int

const (
	// OutcomeDelivered: the subscriber acknowledged the notification.
	OutcomeDelivered OutcomeKind = iota
	// OutcomeRetry: transient failure; re-enqueue a copy after Delay and
	// acknowledge the original.
	OutcomeRetry
	// OutcomeDeadLetter: permanent failure; quarantine the message.
	OutcomeDeadLetter
)

// Outcome is the tagged result of Dispatch. The transport consumer performs
// acknowledgment based on the tag, keeping the retry/dead-letter policy pure.
type Outcome struct {
	Kind OutcomeKind
	// Delay before the retried copy becomes visible (Kind == OutcomeRetry).
	Delay time.Duration
	// Attempt is the retry counter to stamp on the re-enqueued copy.
	Attempt int
	// Reason describes a dead-letter (Kind == OutcomeDeadLetter).
	Reason string
}

func delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

func retry(delay time.Duration, attempt int) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay, Attempt: attempt}
}

func deadLetter(reason string) Outcome {
	return Outcome{Kind: OutcomeDeadLetter, Reason: reason}
}

// StatusWriter flips a subscription to error state on permanent delivery
// failure.
type StatusWriter interface {
	MarkError(ctx context.Context, id, reason string) error
}

// DispatcherOptions configure delivery behavior.
type DispatcherOptions struct {
	// Backport selects structured notification bundles over empty POSTs.
	Backport bool
	// ServerBaseURL builds absolute subscription references in bundles.
	ServerBaseURL string
	// MaxRetries bounds transient-failure redelivery before dead-lettering.
	MaxRetries int
	// RetryDelay is the fixed visibility delay for re-enqueued copies.
	RetryDelay time.Duration
}

// Dispatcher delivers one notify message to the subscriber endpoint declared
// by the matched subscription.
type Dispatcher struct {
	index  *subscription.Index
	server subscription.ServerClient
	hooks  subscription.HookClient
	status StatusWriter
	opts   DispatcherOptions
	logger zerolog.Logger
}

func NewDispatcher(index *subscription.Index, server subscription.ServerClient, hooks subscription.HookClient, status StatusWriter, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	return &Dispatcher{index: index, server: server, hooks: hooks, status: status, opts: opts, logger: logger}
}

// Dispatch attempts delivery of msg. retryCount is the number of transient
// failures already recorded for this logical notification. Messages may be
// redelivered by the transport; delivery is safe to repeat.
func (d *Dispatcher) Dispatch(ctx context.Context, msg subscription.NotifyMessage, retryCount int) Outcome {
	sub, ok, err := d.index.Load(ctx, msg.SubscriptionID)
	if err != nil {
		return d.quarantine(ctx, msg, fmt.Sprintf("loading subscription failed: %v", err), false)
	}
	if !ok {
		// Removed between match and dispatch.
		return d.quarantine(ctx, msg, "subscription is no longer in the active cache", false)
	}

	if sub.ChannelType() != "rest-hook" {
		return d.quarantine(ctx, msg, "channel type is not supported, must be rest-hook", false)
	}
	endpoint := sub.ChannelEndpoint()
	if endpoint == "" {
		return d.quarantine(ctx, msg, "channel endpoint is not defined", false)
	}

	body, err := d.payload(ctx, msg, sub)
	if err != nil {
		return d.quarantine(ctx, msg, fmt.Sprintf("building notification payload failed: %v", err), true)
	}

	status, err := d.hooks.Post(ctx, endpoint, sub.ChannelHeaders(), body)
	if err != nil {
		return d.quarantine(ctx, msg, fmt.Sprintf("delivery failed: %v", err), true)
	}

	switch {
	case status >= 200 && status < 300:
		metrics.NotificationsDelivered.Inc()
		d.logger.Info().Str("subscription", msg.SubscriptionID).Str("resource", msg.Resource).
			Msg("notification delivered")
		return delivered()
	case status == 429 || status == 503:
		if retryCount >= d.opts.MaxRetries {
			return d.quarantine(ctx, msg, fmt.Sprintf("retry count exceeded %d", d.opts.MaxRetries), true)
		}
		metrics.NotificationsRetried.Inc()
		d.logger.Warn().Str("subscription", msg.SubscriptionID).Int("status", status).
			Int("retry", retryCount+1).Msg("transient delivery failure, requeueing for retry")
		return retry(d.opts.RetryDelay, retryCount+1)
	default:
		return d.quarantine(ctx, msg, fmt.Sprintf("endpoint returned status %d", status), true)
	}
}

// payload builds the outbound body: empty in legacy mode, a notification
// bundle in backport mode, fetching the full resource first when the
// subscription asks for it.
func (d *Dispatcher) payload(ctx context.Context, msg subscription.NotifyMessage, sub *subscription.Subscription) (string, error) {
	if !d.opts.Backport {
		return "", nil
	}

	opts := fhir.BundleOptions{
		SubscriptionURL: d.opts.ServerBaseURL + "/Subscription/" + msg.SubscriptionID,
		TopicCanonical:  sub.TopicCanonical(),
	}
	switch sub.PayloadMode() {
	case subscription.PayloadIDOnly:
		opts.Kind = fhir.BundleIDOnly
		opts.FocusReference = msg.Resource
	case subscription.PayloadFullResource:
		opts.Kind = fhir.BundleFullResource
		opts.FocusReference = msg.Resource
		resp, err := d.server.Call(ctx, fhir.CallOptions{Path: msg.Resource})
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", msg.Resource, err)
		}
		if !resp.Success() {
			return "", fmt.Errorf("fetch %s: server returned %s", msg.Resource, resp)
		}
		opts.FullResource = resp.Body
	default:
		opts.Kind = fhir.BundleEmpty
	}

	bundle, err := fhir.BuildNotificationBundle(opts)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// quarantine produces a dead-letter outcome, optionally flipping the
// subscription to error. Invalid message shape (absent subscription, bad
// channel) dead-letters without touching subscription state.
func (d *Dispatcher) quarantine(ctx context.Context, msg subscription.NotifyMessage, reason string, markError bool) Outcome {
	metrics.NotificationsDeadLettered.Inc()
	d.logger.Error().Str("subscription", msg.SubscriptionID).Str("resource", msg.Resource).
		Str("reason", reason).Msg("notification dead-lettered")
	if markError {
		if err := d.status.MarkError(ctx, msg.SubscriptionID, reason); err != nil {
			d.logger.Error().Err(err).Str("subscription", msg.SubscriptionID).
				Msg("failed to mark subscription as errored")
		}
	}
	return deadLetter(reason)
}
