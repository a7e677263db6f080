// Package token fetches and caches the short-lived credentials the provider
// tiers run on: speech tokens for the cloud recognizer and synthesizer,
// calling tokens for the call fabric, and relay grants the client needs to
// attach to a remotely rendered avatar stream.
//
// The recruitment backend mints all three. Each credential kind is cached
// until shortly before expiry; the speech endpoint does not report a TTL, so
// the documented nine-minute lifetime is assumed. Fetches go through a
// circuit breaker so a flapping backend fails fast instead of holding up
// session startup.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/evrhire/cadenza/internal/resilience"
	"github.com/evrhire/cadenza/pkg/types"
)

const (
	speechTokenPath = "/api/v1/speech/token"
	callTokenPath   = "/api/v1/acs/token"
	relayTokenPath  = "/api/v1/relay/token"

	defaultTimeout = 10 * time.Second

	// speechTokenTTL is the assumed lifetime of a speech token.
	speechTokenTTL = 9 * time.Minute

	// refreshSkew is subtracted from every expiry so a token is refreshed
	// before it can go stale mid-request.
	refreshSkew = time.Minute

	// errorBodyLimit caps how much of an error response body is kept for
	// the error message.
	errorBodyLimit = 256
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// cache holds one credential kind. The mutex is held across a refresh so
// concurrent callers share a single fetch.
type cache[T any] struct {
	mu     sync.Mutex
	value  T
	expiry time.Time
}

// Client fetches credentials from the recruitment backend.
//
// Client is safe for concurrent use and satisfies the token-source
// interfaces of the azure speech tiers and the cloud calling tier.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	speech cache[types.SpeechCredential]
	call   cache[types.CallCredential]
	relay  cache[types.RelayCredential]

	now func() time.Time // injectable for tests
}

// New creates a Client for the backend at baseURL. authToken authenticates
// the service against the backend's API; empty disables the header.
func New(baseURL, authToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("token: base URL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "token-endpoint",
		}),
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- speech ----

type speechTokenResponse struct {
	Token  string `json:"token"`
	Region string `json:"region"`
}

// SpeechToken returns a speech credential, fetching a fresh one when the
// cached token is within the refresh skew of its assumed expiry.
func (c *Client) SpeechToken(ctx context.Context) (types.SpeechCredential, error) {
	c.speech.mu.Lock()
	defer c.speech.mu.Unlock()

	now := c.now()
	if now.Before(c.speech.expiry) {
		return c.speech.value, nil
	}

	var resp speechTokenResponse
	if err := c.post(ctx, speechTokenPath, nil, &resp); err != nil {
		return types.SpeechCredential{}, fmt.Errorf("token: fetch speech token: %w", err)
	}
	if resp.Token == "" || resp.Region == "" {
		return types.SpeechCredential{}, errors.New("token: speech token response is missing token or region")
	}

	cred := types.SpeechCredential{Token: resp.Token, Region: resp.Region}
	c.speech.value = cred
	c.speech.expiry = now.Add(speechTokenTTL - refreshSkew)
	return cred, nil
}

// ---- calling ----

type callTokenRequest struct {
	Scopes []string `json:"scopes"`
}

type callTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresOn time.Time `json:"expires_on"`
	UserID    string    `json:"user_id"`
}

// CallToken returns a calling-fabric credential, cached until shortly
// before the expiry the backend reported.
func (c *Client) CallToken(ctx context.Context) (types.CallCredential, error) {
	c.call.mu.Lock()
	defer c.call.mu.Unlock()

	now := c.now()
	if now.Before(c.call.expiry) {
		return c.call.value, nil
	}

	var resp callTokenResponse
	if err := c.post(ctx, callTokenPath, callTokenRequest{Scopes: []string{"voip"}}, &resp); err != nil {
		return types.CallCredential{}, fmt.Errorf("token: fetch calling token: %w", err)
	}
	if resp.Token == "" || resp.UserID == "" {
		return types.CallCredential{}, errors.New("token: calling token response is missing token or user id")
	}

	cred := types.CallCredential{Token: resp.Token, ExpiresOn: resp.ExpiresOn, UserID: resp.UserID}
	c.call.value = cred
	if !resp.ExpiresOn.IsZero() {
		c.call.expiry = resp.ExpiresOn.Add(-refreshSkew)
	} else {
		c.call.expiry = now.Add(speechTokenTTL - refreshSkew)
	}
	return cred, nil
}

// ---- relay ----

type relayTokenResponse struct {
	URLs       []string  `json:"urls"`
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresOn  time.Time `json:"expires_on"`
}

// RelayCredentials returns a TURN/STUN relay grant for attaching to the
// avatar stream.
func (c *Client) RelayCredentials(ctx context.Context) (types.RelayCredential, error) {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()

	now := c.now()
	if now.Before(c.relay.expiry) {
		return c.relay.value, nil
	}

	var resp relayTokenResponse
	if err := c.post(ctx, relayTokenPath, nil, &resp); err != nil {
		return types.RelayCredential{}, fmt.Errorf("token: fetch relay credentials: %w", err)
	}
	if len(resp.URLs) == 0 {
		return types.RelayCredential{}, errors.New("token: relay response carries no server URLs")
	}

	cred := types.RelayCredential{URLs: resp.URLs, Username: resp.Username, Credential: resp.Credential}
	c.relay.value = cred
	if !resp.ExpiresOn.IsZero() {
		c.relay.expiry = resp.ExpiresOn.Add(-refreshSkew)
	} else {
		c.relay.expiry = now.Add(speechTokenTTL - refreshSkew)
	}
	return cred, nil
}

// ---- transport ----

// post sends a JSON request through the circuit breaker and decodes a JSON
// response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		var rdr io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			rdr = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(snippet))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
