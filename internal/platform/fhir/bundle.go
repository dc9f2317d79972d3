package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleKind selects the notification bundle variant.
type BundleKind string

const (
	BundleHandshake    BundleKind = "handshake"
	BundleEmpty        BundleKind = "empty"
	BundleIDOnly       BundleKind = "id-only"
	BundleFullResource BundleKind = "full-resource"
)

// BundleOptions describes one outbound notification bundle.
type BundleOptions struct {
	Kind            BundleKind
	SubscriptionURL string
	TopicCanonical  string
	// FocusReference is the "Type/id" of the triggering resource. Required
	// for id-only and full-resource bundles.
	FocusReference string
	// FullResource is the raw JSON body of the triggering resource,
	// embedded only in full-resource bundles.
	FullResource string
	// EventsSinceStart overrides the placeholder event counter. The engine
	// does not track true cumulative counts; defaults are "0" for
	// handshake and "2" for event notifications.
	EventsSinceStart string
}

// BuildNotificationBundle constructs a backport-protocol notification bundle.
// Output is deterministic apart from the timestamp and generated identifiers.
func BuildNotificationBundle(opts BundleOptions) (map[string]interface{}, error) {
	switch opts.Kind {
	case BundleHandshake, BundleEmpty, BundleIDOnly, BundleFullResource:
	default:
		return nil, fmt.Errorf("unknown bundle kind %q", opts.Kind)
	}
	if opts.Kind == BundleIDOnly || opts.Kind == BundleFullResource {
		if opts.FocusReference == "" {
			return nil, fmt.Errorf("%s bundle requires a focus reference", opts.Kind)
		}
	}
	if opts.Kind == BundleFullResource && opts.FullResource == "" {
		return nil, fmt.Errorf("full-resource bundle requires the resource body")
	}

	status := "active"
	notifType := "event-notification"
	counter := opts.EventsSinceStart
	if counter == "" {
		counter = "2"
	}
	if opts.Kind == BundleHandshake {
		status = "requested"
		notifType = "handshake"
		if opts.EventsSinceStart == "" {
			counter = "0"
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)

	params := []map[string]interface{}{
		{"name": "subscription", "valueReference": map[string]interface{}{"reference": opts.SubscriptionURL}},
		{"name": "topic", "valueCanonical": opts.TopicCanonical},
		{"name": "status", "valueCode": status},
		{"name": "type", "valueCode": notifType},
		{"name": "events-since-subscription-start", "valueString": counter},
	}

	if opts.Kind != BundleHandshake {
		event := []map[string]interface{}{
			{"name": "event-number", "valueString": counter},
			{"name": "timestamp", "valueInstant": now},
		}
		if opts.FocusReference != "" {
			event = append(event, map[string]interface{}{
				"name":           "focus",
				"valueReference": map[string]interface{}{"reference": opts.FocusReference},
			})
		}
		params = append(params, map[string]interface{}{
			"name": "notification-event",
			"part": event,
		})
	}

	statusEntry := map[string]interface{}{
		"fullUrl": "urn:uuid:" + uuid.NewString(),
		"resource": map[string]interface{}{
			"resourceType": "Parameters",
			"id":           uuid.NewString(),
			"parameter":    params,
		},
		"request": map[string]interface{}{
			"method": "GET",
			"url":    opts.SubscriptionURL + "/$status",
		},
		"response": map[string]interface{}{
			"status": "200",
		},
	}

	entries := []map[string]interface{}{statusEntry}

	if opts.Kind == BundleFullResource {
		var resource map[string]interface{}
		if err := json.Unmarshal([]byte(opts.FullResource), &resource); err != nil {
			return nil, fmt.Errorf("decode full resource body: %w", err)
		}
		entries = append(entries, map[string]interface{}{
			"fullUrl":  opts.FocusReference,
			"resource": resource,
			"request": map[string]interface{}{
				"method": "GET",
				"url":    opts.FocusReference,
			},
			"response": map[string]interface{}{
				"status": "200",
			},
		})
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "history",
		"timestamp":    now,
		"entry":        entries,
	}, nil
}
