// Package subscription implements the subscription lifecycle and matching
// engine: the cache-backed index, criteria evaluation against the remote FHIR
// server, and the state machine that activates, expires, and errors
// subscriptions.
package subscription

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Subscription statuses.
const (
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusError     = "error"
	StatusOff       = "off"
)

// Backport payload modes.
const (
	PayloadEmpty        = "empty"
	PayloadIDOnly       = "id-only"
	PayloadFullResource = "full-resource"
)

// Backport extension URLs.
const (
	backportTopicCanonicalURL = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-canonical"
	backportPayloadContentURL = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
	backportTopicTriggerURL   = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-trigger"
)

// Subscription wraps a FHIR Subscription document. The full document is kept
// so that cache round-trips and server write-backs preserve fields the engine
// does not interpret.
type Subscription struct {
	doc map[string]interface{}
}

// Parse decodes a Subscription from its JSON document form.
func Parse(data string) (*Subscription, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode subscription document: %w", err)
	}
	return &Subscription{doc: doc}, nil
}

// JSON returns the document form of the subscription.
func (s *Subscription) JSON() string {
	data, _ := json.Marshal(s.doc)
	return string(data)
}

func (s *Subscription) stringField(name string) string {
	v, _ := s.doc[name].(string)
	return v
}

func (s *Subscription) channel() map[string]interface{} {
	c, _ := s.doc["channel"].(map[string]interface{})
	return c
}

func (s *Subscription) ID() string       { return s.stringField("id") }
func (s *Subscription) Status() string   { return s.stringField("status") }
func (s *Subscription) Criteria() string { return s.stringField("criteria") }
func (s *Subscription) ErrorText() string {
	return s.stringField("error")
}

func (s *Subscription) SetStatus(status string) { s.doc["status"] = status }

// SetError records the failure reason; ClearError resets it to the empty
// string, matching the wire form the server expects on activation.
func (s *Subscription) SetError(msg string) { s.doc["error"] = msg }
func (s *Subscription) ClearError()         { s.doc["error"] = "" }

func (s *Subscription) ChannelType() string {
	c := s.channel()
	if c == nil {
		return ""
	}
	v, _ := c["type"].(string)
	return v
}

func (s *Subscription) ChannelEndpoint() string {
	c := s.channel()
	if c == nil {
		return ""
	}
	v, _ := c["endpoint"].(string)
	return v
}

// ChannelHeaders returns the subscription's "Name: Value" header entries in
// declared order.
func (s *Subscription) ChannelHeaders() []string {
	c := s.channel()
	if c == nil {
		return nil
	}
	raw, _ := c["header"].([]interface{})
	var headers []string
	for _, h := range raw {
		if v, ok := h.(string); ok {
			headers = append(headers, v)
		}
	}
	return headers
}

// PayloadMode reads the backport payload-content extension off the channel
// payload element. Subscriptions without the extension deliver empty bodies.
func (s *Subscription) PayloadMode() string {
	c := s.channel()
	if c == nil {
		return PayloadEmpty
	}
	p, _ := c["_payload"].(map[string]interface{})
	if mode := extensionValue(p, backportPayloadContentURL, "valueCode"); mode != "" {
		return mode
	}
	return PayloadEmpty
}

// TopicCanonical returns the backport topic canonical declared on the
// subscription, checked first on the _criteria element and then at the
// resource level. Empty when the subscription is a plain R4 subscription.
func (s *Subscription) TopicCanonical() string {
	crit, _ := s.doc["_criteria"].(map[string]interface{})
	if v := extensionValue(crit, backportTopicCanonicalURL, "valueCanonical"); v != "" {
		return v
	}
	return extensionValue(s.doc, backportTopicCanonicalURL, "valueCanonical")
}

// TopicID extracts the resource id from the topic canonical's trailing path
// segment, for resolution via Basic/{id}.
func (s *Subscription) TopicID() string {
	canonical := s.TopicCanonical()
	if canonical == "" {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(canonical, "/"), "/")
	return parts[len(parts)-1]
}

// End returns the subscription expiry when set.
func (s *Subscription) End() (time.Time, bool) {
	v := s.stringField("end")
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Expired reports whether the subscription's end timestamp has passed.
func (s *Subscription) Expired(now time.Time) bool {
	end, ok := s.End()
	return ok && now.After(end)
}

func extensionValue(elem map[string]interface{}, url, valueField string) string {
	if elem == nil {
		return ""
	}
	exts, _ := elem["extension"].([]interface{})
	for _, e := range exts {
		m, ok := e.(map[string]interface{})
		if !ok || m["url"] != url {
			continue
		}
		if v, ok := m[valueField].(string); ok {
			return v
		}
	}
	return ""
}
