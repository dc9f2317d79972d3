// Package webhook posts notification payloads to subscriber-declared
// rest-hook endpoints.
package webhook

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// ContentType is the media type the client always sends. A Content-Type
// entry among the subscriber's declared headers is ignored.
const ContentType = "application/fhir+json"

// Client delivers HTTP POST notifications to subscriber endpoints.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Post sends body to endpoint with the subscription's "Name: Value" header
// entries applied. It returns the HTTP status code; err is non-nil only when
// no response was obtained (connection failure, bad endpoint).
func (c *Client) Post(ctx context.Context, endpoint string, headers []string, body string) (int, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reqBody)
	if err != nil {
		return 0, err
	}
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if strings.EqualFold(name, "Content-Type") {
			continue
		}
		req.Header.Set(name, strings.TrimSpace(parts[1]))
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
