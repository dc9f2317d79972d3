package subscription

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
	"github.com/fhirsub/fhirsub/internal/platform/metrics"
)

// NotifyMessage is the lightweight message handed to the dispatch stage when
// a resource event matches a subscription.
type NotifyMessage struct {
	SubscriptionID string `json:"subscriptionId"`
	// Resource is the "Type/id" reference of the matched resource.
	Resource string `json:"resource"`
}

// NotifyPublisher queues notify messages for the dispatch stage.
type NotifyPublisher interface {
	PublishNotify(ctx context.Context, msg NotifyMessage) error
}

// MatcherOptions configure the event matcher.
type MatcherOptions struct {
	// Backport additionally resolves the subscription's topic to append
	// the topic's live trigger filter to the scoped query.
	Backport bool
}

// Matcher evaluates changed resources against the cached subscriptions for
// their type and emits notify messages for matches.
type Matcher struct {
	index     *Index
	server    ServerClient
	publisher NotifyPublisher
	opts      MatcherOptions
	logger    zerolog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

func NewMatcher(index *Index, server ServerClient, publisher NotifyPublisher, opts MatcherOptions, logger zerolog.Logger) *Matcher {
	return &Matcher{
		index:     index,
		server:    server,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessResourceEvent evaluates one changed resource against every cached
// subscription watching its type. Query failures are logged and skipped, not
// retried here; the returned error signals cache or publish faults worth
// redelivering.
func (m *Matcher) ProcessResourceEvent(ctx context.Context, resType, resID string) error {
	metrics.EventsProcessed.Inc()

	ids, err := m.IDsForType(ctx, resType)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		m.logger.Info().Str("resource_type", resType).
			Msg("no subscriptions for resource type are active")
		return nil
	}
	m.logger.Info().Int("candidates", len(ids)).Str("resource_type", resType).
		Msg("evaluating subscription criteria for resource type")

	for _, id := range ids {
		sub, ok, err := m.index.Load(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// Raced with a concurrent removal.
			continue
		}

		if sub.Expired(m.now()) {
			// Expiry is detected lazily here; the remaining candidates
			// still get evaluated.
			if err := m.expire(ctx, sub); err != nil {
				return err
			}
			continue
		}

		criteria := sub.Criteria()
		if criteria == "" {
			continue
		}
		query := criteria + "&_id=" + resID
		if m.opts.Backport {
			if filter := m.topicFilter(ctx, sub); filter != "" {
				query += "&" + filter
			}
		}

		m.logger.Info().Str("subscription", id).Str("criteria", query).
			Msg("evaluating subscription criteria")
		result, err := m.server.Call(ctx, fhir.CallOptions{Path: query})
		if err != nil || !result.Success() {
			m.logger.Error().Err(err).Str("subscription", id).
				Msg("criteria query failed, skipping candidate")
			continue
		}

		var bundle struct {
			Entry []json.RawMessage `json:"entry"`
		}
		if err := result.JSON(&bundle); err != nil {
			m.logger.Error().Err(err).Str("subscription", id).
				Msg("unparsable criteria query response")
			continue
		}
		if len(bundle.Entry) == 0 {
			m.logger.Info().Str("subscription", id).Str("resource", resType+"/"+resID).
				Msg("resource did not meet subscription criteria")
			continue
		}

		m.logger.Info().Str("subscription", id).Str("resource", resType+"/"+resID).
			Msg("resource met subscription criteria, adding to notify queue")
		msg := NotifyMessage{SubscriptionID: id, Resource: resType + "/" + resID}
		if err := m.publisher.PublishNotify(ctx, msg); err != nil {
			return err
		}
		metrics.MatchesEmitted.Inc()
	}
	return nil
}

// IDsForType exposes the candidate list, mainly for the admin surface.
func (m *Matcher) IDsForType(ctx context.Context, resType string) ([]string, error) {
	return m.index.IDsForType(ctx, resType)
}

func (m *Matcher) expire(ctx context.Context, sub *Subscription) error {
	id := sub.ID()
	sub.SetStatus(StatusOff)
	if err := m.index.Remove(ctx, id); err != nil {
		return err
	}
	if _, err := updateRemote(ctx, m.server, m.index, sub, m.logger); err != nil {
		return err
	}
	m.logger.Info().Str("subscription", id).
		Msg("subscription has expired, status updated to off")
	return nil
}

// topicFilter resolves the subscription's backport topic Basic resource and
// returns the query fragment of its trigger filter.
func (m *Matcher) topicFilter(ctx context.Context, sub *Subscription) string {
	topicID := sub.TopicID()
	if topicID == "" {
		return ""
	}
	resp, err := m.server.Call(ctx, fhir.CallOptions{Path: "Basic/" + topicID})
	if err != nil || !resp.Success() {
		m.logger.Warn().Err(err).Str("topic", topicID).
			Msg("could not resolve subscription topic")
		return ""
	}
	var topic map[string]interface{}
	if err := resp.JSON(&topic); err != nil {
		m.logger.Warn().Err(err).Str("topic", topicID).Msg("unparsable topic resource")
		return ""
	}
	trigger := extensionValue(topic, backportTopicTriggerURL, "valueString")
	if trigger == "" {
		return ""
	}
	// The trigger is itself a criteria string; only its query part scopes
	// the match.
	if i := strings.Index(trigger, "?"); i >= 0 {
		return trigger[i+1:]
	}
	return trigger
}
