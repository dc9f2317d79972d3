// Package fhir provides the HTTP gateway to the remote FHIR server.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Statuses worth retrying against the FHIR server.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// Config holds the gateway settings.
type Config struct {
	BaseURL     string
	MaxRetries  int
	RetryDelay  time.Duration
	Exponential bool
	// JitterFactor scales the random jitter applied to exponential backoff
	// delays. Zero disables jitter.
	JitterFactor float64
}

// Response is the outcome of a FHIR server call.
type Response struct {
	Status     int
	Body       string
	Headers    http.Header
	RetryAfter time.Duration
}

// Success reports whether the response carries a 2xx status.
func (r *Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON decodes the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal([]byte(r.Body), v)
}

func (r *Response) String() string {
	return fmt.Sprintf("%d-%s", r.Status, r.Body)
}

// CallOptions describes a single FHIR server request. Path may be relative to
// the configured base URL or a full URL. Audience overrides the token
// provider's default audience.
type CallOptions struct {
	Path     string
	Method   string
	Body     string
	Audience string
}

// TokenProvider supplies bearer tokens for outbound FHIR calls.
type TokenProvider interface {
	Token(ctx context.Context, audience string) (string, error)
}

// Gateway is the client for the remote FHIR server. It owns its HTTP client,
// retry policy, and token provider; construct one and inject it where needed.
type Gateway struct {
	cfg    Config
	client *http.Client
	tokens TokenProvider
	logger zerolog.Logger

	// after is swappable for tests.
	after func(time.Duration) <-chan time.Time
}

// NewGateway creates a Gateway. tokens may be nil when the server requires no
// authentication.
func NewGateway(cfg Config, tokens TokenProvider, logger zerolog.Logger) *Gateway {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
		logger: logger,
		after:  time.After,
	}
}

// Call performs one logical FHIR server request, retrying on transient HTTP
// statuses per the configured policy. A non-2xx terminal response is returned
// with a nil error; err is non-nil only when no response was obtained at all.
func (g *Gateway) Call(ctx context.Context, opts CallOptions) (*Response, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	fhirURL := opts.Path
	if !strings.HasPrefix(fhirURL, "http") {
		fhirURL = strings.TrimSuffix(g.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(opts.Path, "/")
	}

	var bearer string
	if g.tokens != nil {
		tok, err := g.tokens.Token(ctx, opts.Audience)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		bearer = tok
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := g.doOnce(ctx, opts.Method, fhirURL, opts.Body, bearer)
		if err == nil && !retryableStatuses[resp.Status] {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("fhir server returned status %d", resp.Status)
		}
		if attempt >= g.cfg.MaxRetries {
			if err != nil {
				return nil, lastErr
			}
			return resp, nil
		}
		delay := g.retryDelay(attempt + 1)
		if err == nil && resp.Status == http.StatusTooManyRequests && resp.RetryAfter > 0 {
			// The server told us when to come back.
			delay = resp.RetryAfter
		}
		g.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("url", fhirURL).
			Msg("fhir request failed on a retryable status, waiting before next attempt")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.after(delay):
		}
	}
}

func (g *Gateway) doOnce(ctx context.Context, method, url, body, bearer string) (*Response, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &Response{
		Status:  resp.StatusCode,
		Body:    string(data),
		Headers: resp.Header,
	}
	if out.Body == "" && !out.Success() {
		out.Body = resp.Status
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return out, nil
}

func (g *Gateway) retryDelay(attempt int) time.Duration {
	if !g.cfg.Exponential {
		return g.cfg.RetryDelay
	}
	delay := float64(g.cfg.RetryDelay) * float64(int(1)<<(attempt-1))
	if g.cfg.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * g.cfg.JitterFactor * delay
		delay += jitter
	}
	return time.Duration(delay)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 500 * time.Millisecond
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 500 * time.Millisecond
}
