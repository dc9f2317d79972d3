package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ClientCredentialsProvider obtains bearer tokens via the OAuth2 client
// credentials grant and caches them per audience. Refresh is serialized so
// concurrent callers observing an expired token trigger at most one token
// request; the rest wait for its result.
type ClientCredentialsProvider struct {
	tokenURL     string
	clientID     string
	clientSecret string
	defaultScope string
	client       *http.Client
	logger       zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

func NewClientCredentialsProvider(tokenURL, clientID, clientSecret, defaultScope string, logger zerolog.Logger) *ClientCredentialsProvider {
	return &ClientCredentialsProvider{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		defaultScope: defaultScope,
		client:       &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
		tokens:       make(map[string]string),
	}
}

// Token returns a cached bearer token for the audience, refreshing it when
// expired. An empty audience uses the provider's default scope.
func (p *ClientCredentialsProvider) Token(ctx context.Context, audience string) (string, error) {
	scope := audience
	if scope == "" {
		scope = p.defaultScope
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.tokens[scope]; ok && !tokenExpired(tok) {
		return tok, nil
	}

	p.logger.Info().Str("scope", scope).Msg("bearer token expired, obtaining a new one")
	tok, err := p.fetchToken(ctx, scope)
	if err != nil {
		return "", err
	}
	p.tokens[scope] = tok
	return tok, nil
}

func (p *ClientCredentialsProvider) fetchToken(ctx context.Context, scope string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(data))
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	return body.AccessToken, nil
}

// tokenExpired reports whether a bearer token is missing, unparsable, or past
// its exp claim. The token is the gateway's credential, not something it
// verifies, so the parse is unverified.
func tokenExpired(token string) bool {
	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !time.Now().Before(exp.Time)
}

// StaticTokenProvider returns a fixed token. Useful for tests and for servers
// fronted by a gateway that injects credentials.
type StaticTokenProvider struct {
	TokenValue string
}

func (p *StaticTokenProvider) Token(_ context.Context, _ string) (string, error) {
	return p.TokenValue, nil
}
