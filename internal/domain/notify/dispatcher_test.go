package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/domain/subscription"
	"github.com/fhirsub/fhirsub/internal/platform/cache"
	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

type fakeServer struct {
	handler func(opts fhir.CallOptions) (*fhir.Response, error)
}

func (f *fakeServer) Call(_ context.Context, opts fhir.CallOptions) (*fhir.Response, error) {
	if f.handler == nil {
		return &fhir.Response{Status: http.StatusOK, Body: "{}"}, nil
	}
	return f.handler(opts)
}

type fakeHook struct {
	mu     sync.Mutex
	bodies []string
	status int
	err    error
}

func (f *fakeHook) Post(_ context.Context, _ string, _ []string, body string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, body)
	if f.err != nil {
		return 0, f.err
	}
	if f.status == 0 {
		return http.StatusOK, nil
	}
	return f.status, nil
}

type fakeStatusWriter struct {
	mu      sync.Mutex
	marked  []string
	reasons []string
}

func (f *fakeStatusWriter) MarkError(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	f.reasons = append(f.reasons, reason)
	return nil
}

func cacheSubscription(t *testing.T, ix *subscription.Index, doc string) {
	t.Helper()
	sub, err := subscription.Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Save(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
}

func testSubDoc(channel string) string {
	return fmt.Sprintf(`{
		"id": "S1", "status": "active", "criteria": "Patient?name=Smith",
		"channel": %s
	}`, channel)
}

func newTestDispatcher(t *testing.T, hooks *fakeHook, srv *fakeServer, opts DispatcherOptions) (*Dispatcher, *subscription.Index, *fakeStatusWriter) {
	t.Helper()
	ix := subscription.NewIndex(cache.NewMemoryStore(), zerolog.Nop())
	status := &fakeStatusWriter{}
	return NewDispatcher(ix, srv, hooks, status, opts, zerolog.Nop()), ix, status
}

var testMsg = subscription.NotifyMessage{SubscriptionID: "S1", Resource: "Patient/P1"}

func TestDispatchDelivered(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{}
	d, ix, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{})
	cacheSubscription(t, ix, testSubDoc(`{"type": "rest-hook", "endpoint": "https://hooks.example.com/cb"}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDelivered {
		t.Fatalf("Kind = %v, want delivered", out.Kind)
	}
	if len(hooks.bodies) != 1 || hooks.bodies[0] != "" {
		t.Errorf("legacy mode must POST an empty body, got %q", hooks.bodies)
	}
	if len(status.marked) != 0 {
		t.Errorf("delivered dispatch marked subscriptions: %v", status.marked)
	}
}

func TestDispatchTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	for _, code := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		hooks := &fakeHook{status: code}
		d, ix, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{MaxRetries: 5, RetryDelay: 30 * time.Second})
		cacheSubscription(t, ix, testSubDoc(`{"type": "rest-hook", "endpoint": "https://hooks.example.com/cb"}`))

		out := d.Dispatch(ctx, testMsg, 2)
		if out.Kind != OutcomeRetry {
			t.Fatalf("status %d: Kind = %v, want retry", code, out.Kind)
		}
		if out.Delay != 30*time.Second {
			t.Errorf("status %d: Delay = %v, want 30s", code, out.Delay)
		}
		if out.Attempt != 3 {
			t.Errorf("status %d: Attempt = %d, want 3", code, out.Attempt)
		}
		if len(status.marked) != 0 {
			t.Errorf("status %d: transient failure must not mark the subscription", code)
		}
	}
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{status: http.StatusServiceUnavailable}
	d, ix, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{MaxRetries: 5})
	cacheSubscription(t, ix, testSubDoc(`{"type": "rest-hook", "endpoint": "https://hooks.example.com/cb"}`))

	out := d.Dispatch(ctx, testMsg, 5)
	if out.Kind != OutcomeDeadLetter {
		t.Fatalf("Kind = %v, want dead-letter at the retry budget", out.Kind)
	}
	if !strings.Contains(out.Reason, "retry count exceeded") {
		t.Errorf("Reason = %q", out.Reason)
	}
	if len(status.marked) != 1 || status.marked[0] != "S1" {
		t.Errorf("exhausted retries must mark the subscription, marked = %v", status.marked)
	}
}

func TestDispatchPermanentFailure(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{status: http.StatusNotFound}
	d, ix, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{})
	cacheSubscription(t, ix, testSubDoc(`{"type": "rest-hook", "endpoint": "https://hooks.example.com/cb"}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDeadLetter {
		t.Fatalf("Kind = %v, want dead-letter", out.Kind)
	}
	if len(status.marked) != 1 {
		t.Errorf("permanent failure must mark the subscription, marked = %v", status.marked)
	}
}

func TestDispatchConnectionError(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{err: errors.New("dial tcp: connection refused")}
	d, ix, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{})
	cacheSubscription(t, ix, testSubDoc(`{"type": "rest-hook", "endpoint": "https://hooks.example.com/cb"}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDeadLetter {
		t.Fatalf("Kind = %v, want dead-letter", out.Kind)
	}
	if len(status.marked) != 1 {
		t.Errorf("unreachable endpoint must mark the subscription")
	}
}

func TestDispatchAbsentSubscription(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{}
	d, _, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{})

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDeadLetter {
		t.Fatalf("Kind = %v, want dead-letter", out.Kind)
	}
	if len(hooks.bodies) != 0 {
		t.Error("no delivery may be attempted for an absent subscription")
	}
	if len(status.marked) != 0 {
		t.Error("absent subscription has no state to mark")
	}
}

func TestDispatchInvalidChannel(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		channel string
	}{
		{name: "wrong type", channel: `{"type": "websocket", "endpoint": "wss://x"}`},
		{name: "missing endpoint", channel: `{"type": "rest-hook"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := &fakeHook{}
			d, ix, status := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{})
			cacheSubscription(t, ix, testSubDoc(tt.channel))

			out := d.Dispatch(ctx, testMsg, 0)
			if out.Kind != OutcomeDeadLetter {
				t.Fatalf("Kind = %v, want dead-letter", out.Kind)
			}
			if len(hooks.bodies) != 0 {
				t.Error("no delivery may be attempted for an invalid channel")
			}
			if len(status.marked) != 0 {
				t.Error("invalid channel shape must not mark the subscription")
			}
		})
	}
}

func TestDispatchBackportEmptyPayload(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{}
	d, ix, _ := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{Backport: true, ServerBaseURL: "https://fhir.example.com"})
	cacheSubscription(t, ix, testSubDoc(`{"type": "rest-hook", "endpoint": "https://hooks.example.com/cb"}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDelivered {
		t.Fatalf("Kind = %v, want delivered", out.Kind)
	}
	body := hooks.bodies[0]
	if !strings.Contains(body, `"event-notification"`) {
		t.Errorf("backport body missing notification type: %s", body)
	}
	if !strings.Contains(body, "https://fhir.example.com/Subscription/S1") {
		t.Errorf("backport body missing subscription reference: %s", body)
	}
	if strings.Contains(body, "Patient/P1") {
		t.Errorf("empty payload mode must not carry the focus reference: %s", body)
	}
}

func TestDispatchBackportIDOnlyPayload(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{}
	d, ix, _ := newTestDispatcher(t, hooks, &fakeServer{}, DispatcherOptions{Backport: true, ServerBaseURL: "https://fhir.example.com"})
	cacheSubscription(t, ix, testSubDoc(`{
		"type": "rest-hook", "endpoint": "https://hooks.example.com/cb",
		"_payload": {
			"extension": [{
				"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content",
				"valueCode": "id-only"
			}]
		}
	}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDelivered {
		t.Fatalf("Kind = %v, want delivered", out.Kind)
	}
	if !strings.Contains(hooks.bodies[0], "Patient/P1") {
		t.Errorf("id-only payload missing focus reference: %s", hooks.bodies[0])
	}
}

func TestDispatchBackportFullResourcePayload(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{}
	srv := &fakeServer{handler: func(opts fhir.CallOptions) (*fhir.Response, error) {
		if opts.Path != "Patient/P1" {
			t.Errorf("resource fetch path = %q", opts.Path)
		}
		return &fhir.Response{Status: http.StatusOK, Body: `{"resourceType": "Patient", "id": "P1", "name": [{"family": "Smith"}]}`}, nil
	}}
	d, ix, _ := newTestDispatcher(t, hooks, srv, DispatcherOptions{Backport: true, ServerBaseURL: "https://fhir.example.com"})
	cacheSubscription(t, ix, testSubDoc(`{
		"type": "rest-hook", "endpoint": "https://hooks.example.com/cb",
		"_payload": {
			"extension": [{
				"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content",
				"valueCode": "full-resource"
			}]
		}
	}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDelivered {
		t.Fatalf("Kind = %v, want delivered", out.Kind)
	}
	body := hooks.bodies[0]
	if !strings.Contains(body, `"family":"Smith"`) && !strings.Contains(body, `"family": "Smith"`) {
		t.Errorf("full-resource payload missing the fetched resource: %s", body)
	}
}

func TestDispatchBackportFullResourceFetchFailure(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHook{}
	srv := &fakeServer{handler: func(fhir.CallOptions) (*fhir.Response, error) {
		return &fhir.Response{Status: http.StatusNotFound, Body: "{}"}, nil
	}}
	d, ix, status := newTestDispatcher(t, hooks, srv, DispatcherOptions{Backport: true})
	cacheSubscription(t, ix, testSubDoc(`{
		"type": "rest-hook", "endpoint": "https://hooks.example.com/cb",
		"_payload": {
			"extension": [{
				"url": "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content",
				"valueCode": "full-resource"
			}]
		}
	}`))

	out := d.Dispatch(ctx, testMsg, 0)
	if out.Kind != OutcomeDeadLetter {
		t.Fatalf("Kind = %v, want dead-letter", out.Kind)
	}
	if len(hooks.bodies) != 0 {
		t.Error("no delivery may be attempted when the payload cannot be built")
	}
	if len(status.marked) != 1 {
		t.Error("payload build failure must mark the subscription")
	}
}
