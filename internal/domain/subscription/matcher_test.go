package subscription

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

const matchingBundle = `{"resourceType": "Bundle", "entry": [{"resource": {"resourceType": "Patient", "id": "P1"}}]}`
const emptyBundle = `{"resourceType": "Bundle", "entry": []}`

func TestProcessResourceEventMatch(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()
	if err := ix.Save(ctx, subDoc("S1", "Patient?name=Smith")); err != nil {
		t.Fatal(err)
	}

	srv := &fakeServer{handler: func(opts fhir.CallOptions) (*fhir.Response, error) {
		if opts.Path != "Patient?name=Smith&_id=P1" {
			t.Errorf("criteria query = %q, want the criteria scoped by _id", opts.Path)
		}
		return &fhir.Response{Status: http.StatusOK, Body: matchingBundle}, nil
	}}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Patient", "P1"); err != nil {
		t.Fatalf("ProcessResourceEvent: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.SubscriptionID != "S1" || msg.Resource != "Patient/P1" {
		t.Errorf("published %+v, want {S1 Patient/P1}", msg)
	}
}

func TestProcessResourceEventNoMatch(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()
	if err := ix.Save(ctx, subDoc("S1", "Patient?name=Smith")); err != nil {
		t.Fatal(err)
	}
	srv := &fakeServer{handler: func(fhir.CallOptions) (*fhir.Response, error) {
		return &fhir.Response{Status: http.StatusOK, Body: emptyBundle}, nil
	}}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Patient", "P2"); err != nil {
		t.Fatalf("ProcessResourceEvent: %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages for a non-match", len(pub.msgs))
	}
}

func TestProcessResourceEventNoCandidates(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()
	srv := &fakeServer{}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Encounter", "E1"); err != nil {
		t.Fatalf("ProcessResourceEvent: %v", err)
	}
	if len(srv.calls) != 0 {
		t.Errorf("no candidates, but %d server calls were made", len(srv.calls))
	}
}

func TestProcessResourceEventQueryFailureSkipsCandidate(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()
	if err := ix.Save(ctx, subDoc("S1", "Patient?name=Smith")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Save(ctx, subDoc("S2", "Patient?name=Jones")); err != nil {
		t.Fatal(err)
	}

	srv := &fakeServer{handler: func(opts fhir.CallOptions) (*fhir.Response, error) {
		if strings.HasPrefix(opts.Path, "Patient?name=Smith") {
			return nil, errors.New("connection reset")
		}
		return &fhir.Response{Status: http.StatusOK, Body: matchingBundle}, nil
	}}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Patient", "P1"); err != nil {
		t.Fatalf("a single failing candidate must not abort the event: %v", err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].SubscriptionID != "S2" {
		t.Errorf("published %+v, want one message for S2", pub.msgs)
	}
}

func TestProcessResourceEventExpiryContinues(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	expired := mustParse(`{
		"id": "S1", "status": "active", "criteria": "Patient?name=Smith",
		"end": "2026-01-01T00:00:00Z",
		"channel": {"type": "rest-hook"}
	}`)
	if err := ix.Save(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := ix.Save(ctx, subDoc("S2", "Patient?name=Jones")); err != nil {
		t.Fatal(err)
	}

	srv := &fakeServer{handler: func(opts fhir.CallOptions) (*fhir.Response, error) {
		if opts.Method == http.MethodPut {
			return &fhir.Response{Status: http.StatusOK, Body: opts.Body}, nil
		}
		return &fhir.Response{Status: http.StatusOK, Body: matchingBundle}, nil
	}}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{}, zerolog.Nop())
	m.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	if err := m.ProcessResourceEvent(ctx, "Patient", "P1"); err != nil {
		t.Fatalf("ProcessResourceEvent: %v", err)
	}

	// The expired candidate is turned off, written back, and never queried.
	if _, ok, _ := ix.Load(ctx, "S1"); ok {
		t.Error("expired subscription still cached")
	}
	puts := srv.callsFor(http.MethodPut)
	if len(puts) != 1 {
		t.Fatalf("write-backs = %d, want 1 for the expiry", len(puts))
	}
	if written := mustParse(puts[0].Body); written.Status() != StatusOff {
		t.Errorf("expired subscription written back with status %q, want off", written.Status())
	}

	// The remaining candidate is still evaluated.
	if len(pub.msgs) != 1 || pub.msgs[0].SubscriptionID != "S2" {
		t.Errorf("published %+v, want one message for S2 after the expiry", pub.msgs)
	}
}

func TestProcessResourceEventBackportTopicFilter(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	sub := mustParse(`{
		"id": "S1", "status": "active", "criteria": "Patient?name=Smith",
		"channel": {"type": "rest-hook"},
		"_criteria": {
			"extension": [{
				"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-canonical",
				"valueCanonical": "https://topics.example.com/SubscriptionTopic/T1"
			}]
		}
	}`)
	if err := ix.Save(ctx, sub); err != nil {
		t.Fatal(err)
	}

	var criteriaQuery string
	srv := &fakeServer{handler: func(opts fhir.CallOptions) (*fhir.Response, error) {
		if opts.Path == "Basic/T1" {
			return &fhir.Response{Status: http.StatusOK, Body: `{
				"resourceType": "Basic", "id": "T1",
				"extension": [{
					"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-trigger",
					"valueString": "Patient?active=true"
				}]
			}`}, nil
		}
		criteriaQuery = opts.Path
		return &fhir.Response{Status: http.StatusOK, Body: matchingBundle}, nil
	}}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{Backport: true}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Patient", "P1"); err != nil {
		t.Fatalf("ProcessResourceEvent: %v", err)
	}
	want := "Patient?name=Smith&_id=P1&active=true"
	if criteriaQuery != want {
		t.Errorf("criteria query = %q, want %q", criteriaQuery, want)
	}
	if len(pub.msgs) != 1 {
		t.Errorf("published %d messages, want 1", len(pub.msgs))
	}
}

func TestProcessResourceEventUnresolvableTopicStillMatches(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()
	sub := mustParse(`{
		"id": "S1", "status": "active", "criteria": "Patient?name=Smith",
		"channel": {"type": "rest-hook"},
		"extension": [{
			"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-canonical",
			"valueCanonical": "https://topics.example.com/SubscriptionTopic/T1"
		}]
	}`)
	if err := ix.Save(ctx, sub); err != nil {
		t.Fatal(err)
	}
	srv := &fakeServer{handler: func(opts fhir.CallOptions) (*fhir.Response, error) {
		if strings.HasPrefix(opts.Path, "Basic/") {
			return &fhir.Response{Status: http.StatusNotFound, Body: "{}"}, nil
		}
		if got, want := opts.Path, "Patient?name=Smith&_id=P1"; got != want {
			t.Errorf("criteria query = %q, want %q (no topic filter)", got, want)
		}
		return &fhir.Response{Status: http.StatusOK, Body: matchingBundle}, nil
	}}
	pub := &fakePublisher{}
	m := NewMatcher(ix, srv, pub, MatcherOptions{Backport: true}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Patient", "P1"); err != nil {
		t.Fatalf("ProcessResourceEvent: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Errorf("published %d messages, want 1 without a topic filter", len(pub.msgs))
	}
}

func TestProcessResourceEventPublishFaultPropagates(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()
	if err := ix.Save(ctx, subDoc("S1", "Patient?name=Smith")); err != nil {
		t.Fatal(err)
	}
	srv := &fakeServer{handler: func(fhir.CallOptions) (*fhir.Response, error) {
		return &fhir.Response{Status: http.StatusOK, Body: matchingBundle}, nil
	}}
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	m := NewMatcher(ix, srv, pub, MatcherOptions{}, zerolog.Nop())

	if err := m.ProcessResourceEvent(ctx, "Patient", "P1"); err == nil {
		t.Fatal("publish fault must propagate so the event is redelivered")
	}
}
