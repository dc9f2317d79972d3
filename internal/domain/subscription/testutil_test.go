package subscription

import (
	"context"
	"net/http"
	"sync"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

// fakeServer scripts FHIR server responses by request path.
type fakeServer struct {
	mu      sync.Mutex
	calls   []fhir.CallOptions
	handler func(opts fhir.CallOptions) (*fhir.Response, error)
}

func (f *fakeServer) Call(_ context.Context, opts fhir.CallOptions) (*fhir.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.handler == nil {
		return &fhir.Response{Status: http.StatusOK, Body: "{}"}, nil
	}
	return f.handler(opts)
}

func (f *fakeServer) callsFor(method string) []fhir.CallOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fhir.CallOptions
	for _, c := range f.calls {
		m := c.Method
		if m == "" {
			m = http.MethodGet
		}
		if m == method {
			out = append(out, c)
		}
	}
	return out
}

// fakeHook records webhook posts and returns a scripted status sequence.
type fakeHook struct {
	mu       sync.Mutex
	posts    []hookPost
	statuses []int
	err      error
}

type hookPost struct {
	endpoint string
	headers  []string
	body     string
}

func (f *fakeHook) Post(_ context.Context, endpoint string, headers []string, body string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, hookPost{endpoint: endpoint, headers: headers, body: body})
	if f.err != nil {
		return 0, f.err
	}
	status := http.StatusOK
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return status, nil
}

// fakePublisher collects emitted notify messages.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []NotifyMessage
	err  error
}

func (f *fakePublisher) PublishNotify(_ context.Context, msg NotifyMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func mustParse(s string) *Subscription {
	sub, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sub
}
