package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
	"github.com/fhirsub/fhirsub/internal/platform/metrics"
)

// Actions delivered by the upstream change feed.
const (
	ActionCreated = "Created"
	ActionUpdated = "Updated"
	ActionDeleted = "Deleted"
)

// ServerClient is the slice of the FHIR gateway the engine needs.
type ServerClient interface {
	Call(ctx context.Context, opts fhir.CallOptions) (*fhir.Response, error)
}

// HookClient posts payloads to subscriber rest-hook endpoints.
type HookClient interface {
	Post(ctx context.Context, endpoint string, headers []string, body string) (int, error)
}

// ManagerOptions configure the lifecycle manager.
type ManagerOptions struct {
	// Backport enables the structured notification-bundle protocol,
	// including the activation handshake.
	Backport bool
	// ServerBaseURL is used to build absolute subscription references in
	// handshake bundles.
	ServerBaseURL string
}

// Manager drives the subscription state machine: validation, activation,
// deactivation, and synchronization of state back to the FHIR server.
type Manager struct {
	index  *Index
	server ServerClient
	hooks  HookClient
	opts   ManagerOptions
	logger zerolog.Logger
}

func NewManager(index *Index, server ServerClient, hooks HookClient, opts ManagerOptions, logger zerolog.Logger) *Manager {
	return &Manager{index: index, server: server, hooks: hooks, opts: opts, logger: logger}
}

// ProcessSubscription handles one Created/Updated/Deleted action for the
// subscription with the given id. Validation failures are folded into the
// subscription's own status/error fields and written back to the server
// rather than returned; the returned error signals only processing faults
// worth redelivering (cache failures, unreachable cache).
func (m *Manager) ProcessSubscription(ctx context.Context, id, action string) error {
	switch action {
	case ActionCreated, ActionUpdated:
		return m.processUpsert(ctx, id)
	case ActionDeleted:
		m.logger.Info().Str("subscription", id).Msg("deleting subscription from cache")
		return m.index.Remove(ctx, id)
	default:
		m.logger.Error().Str("subscription", id).Str("action", action).
			Msg("invalid action for subscription")
		return nil
	}
}

func (m *Manager) processUpsert(ctx context.Context, id string) error {
	resp, err := m.server.Call(ctx, fhir.CallOptions{Path: "Subscription/" + id})
	if err != nil || !resp.Success() {
		m.logger.Error().Err(err).Str("subscription", id).
			Msg("subscription does not exist on the FHIR server")
		return nil
	}
	sub, err := Parse(resp.Body)
	if err != nil {
		m.logger.Error().Err(err).Str("subscription", id).Msg("unparsable subscription document")
		return nil
	}

	switch sub.Status() {
	case StatusOff, StatusError:
		// Administrator must resolve; drop from cache, leave the server
		// document untouched.
		return m.index.Remove(ctx, id)
	case StatusActive:
		// Already live; the server marked it active.
		return nil
	}

	m.logger.Info().Str("subscription", id).Msg("registering subscription")
	if err := m.validate(ctx, id, sub); err != nil {
		return err
	}

	if errText := sub.ErrorText(); errText != "" {
		m.logger.Error().Str("subscription", id).Msg(errText)
		metrics.LifecycleErrors.Inc()
	} else {
		metrics.LifecycleActivations.Inc()
	}
	_, err = updateRemote(ctx, m.server, m.index, sub, m.logger)
	return err
}

// validate runs the activation pipeline, short-circuiting on the first
// failure. Failures are recorded on the subscription document; the returned
// error is non-nil only for cache faults.
func (m *Manager) validate(ctx context.Context, id string, sub *Subscription) error {
	if sub.ChannelType() != "rest-hook" {
		sub.SetStatus(StatusError)
		sub.SetError(fmt.Sprintf("channel type invalid, only rest-hook is supported for Subscription/%s", id))
		return nil
	}

	if _, err := ExtractCriteriaResource(sub.Criteria()); err != nil {
		sub.SetStatus(StatusError)
		sub.SetError(fmt.Sprintf("criteria definition is invalid or non-existent for Subscription/%s: %v", id, err))
		return nil
	}

	result, err := m.server.Call(ctx, fhir.CallOptions{Path: sub.Criteria()})
	if err != nil {
		sub.SetStatus(StatusError)
		sub.SetError(fmt.Sprintf("criteria is invalid on the FHIR server for Subscription/%s: %v", id, err))
		return nil
	}
	if !result.Success() {
		sub.SetStatus(StatusError)
		sub.SetError(fmt.Sprintf("criteria is invalid on the FHIR server for Subscription/%s: %s", id, result))
		return nil
	}

	if m.opts.Backport {
		if err := m.handshake(ctx, id, sub); err != nil {
			sub.SetStatus(StatusError)
			sub.SetError(fmt.Sprintf("handshake failed for Subscription/%s: %v", id, err))
			return nil
		}
	}

	sub.SetStatus(StatusActive)
	sub.ClearError()
	if err := m.index.Save(ctx, sub); err != nil {
		return err
	}
	m.logger.Info().Str("subscription", id).Msg("subscription is now active in cache")
	return nil
}

func (m *Manager) handshake(ctx context.Context, id string, sub *Subscription) error {
	bundle, err := fhir.BuildNotificationBundle(fhir.BundleOptions{
		Kind:            fhir.BundleHandshake,
		SubscriptionURL: m.opts.ServerBaseURL + "/Subscription/" + id,
		TopicCanonical:  sub.TopicCanonical(),
	})
	if err != nil {
		return err
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	status, err := m.hooks.Post(ctx, sub.ChannelEndpoint(), sub.ChannelHeaders(), string(body))
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("endpoint returned status %d", status)
	}
	return nil
}

// MarkError flips a cached subscription to error with the given reason,
// evicts it, and writes the change back to the server. A subscription absent
// from the cache is left alone.
func (m *Manager) MarkError(ctx context.Context, id, reason string) error {
	sub, ok, err := m.index.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	sub.SetStatus(StatusError)
	sub.SetError(reason)
	if err := m.index.Remove(ctx, id); err != nil {
		return err
	}
	_, err = updateRemote(ctx, m.server, m.index, sub, m.logger)
	return err
}

// updateRemote writes the subscription document back to the FHIR server. If
// the write fails the cache entry is removed: the cache must never hold a
// subscription the server disagrees with.
func updateRemote(ctx context.Context, server ServerClient, index *Index, sub *Subscription, logger zerolog.Logger) (*fhir.Response, error) {
	id := sub.ID()
	logger.Info().Str("subscription", id).Msg("updating subscription on the FHIR server")
	resp, err := server.Call(ctx, fhir.CallOptions{
		Path:   "Subscription/" + id,
		Method: http.MethodPut,
		Body:   sub.JSON(),
	})
	if err != nil || !resp.Success() {
		if err != nil {
			logger.Error().Err(err).Str("subscription", id).
				Msg("error updating subscription on the FHIR server")
		} else {
			logger.Error().Str("subscription", id).Str("response", resp.String()).
				Msg("error updating subscription on the FHIR server")
		}
		if rmErr := index.Remove(ctx, id); rmErr != nil {
			return resp, rmErr
		}
	}
	return resp, nil
}
