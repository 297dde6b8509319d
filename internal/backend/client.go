// Package backend is the REST client for the account server's mobile
// API: extension login, account profile fetch, push token registration,
// and scheduled token refresh. All responses use the server's standard
// envelope, { "data": ..., "error": ... }.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/flowpbx/flowphone/internal/backoff"
)

const (
	defaultTimeout = 15 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// DefaultIdentityHeader names the SIP header carrying the verified
// caller identity when the server does not configure one.
const DefaultIdentityHeader = "X-Flow-Identity"

// Config wires a Client.
type Config struct {
	// BaseURL is the server root, e.g. https://pbx.example.com.
	BaseURL   string
	Extension string
	Password  string

	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration

	Logger *slog.Logger
}

// SIPAccount is the registration credential set for the telephony
// layer.
type SIPAccount struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Server    string `json:"server"`
	Transport string `json:"transport"`
}

// Account is the provisioning profile for the logged-in extension.
type Account struct {
	Extension      string     `json:"extension"`
	DisplayName    string     `json:"display_name"`
	SIP            SIPAccount `json:"sip"`
	IdentityHeader string     `json:"identity_header"`
	EventsPath     string     `json:"events_path"`
}

// APIError is a non-2xx response carrying the server's error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client is the mobile API client. It holds the current app token and
// is safe for concurrent use.
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	extension string
	password  string
	logger    *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// New creates a client. The base URL must be absolute.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q is not absolute", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		baseURL:   base,
		extension: cfg.Extension,
		password:  cfg.Password,
		logger:    logger.With("component", "backend"),
	}, nil
}

type loginRequest struct {
	Extension string `json:"extension"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login authenticates the extension and stores the app token.
func (c *Client) Login(ctx context.Context) error {
	var resp loginResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/app/auth",
		loginRequest{Extension: c.extension, Password: c.password}, false, &resp)
	if err != nil {
		return fmt.Errorf("app login: %w", err)
	}
	if resp.Token == "" {
		return errors.New("app login: server returned no token")
	}

	expiresAt := tokenExpiry(resp.Token, resp.ExpiresAt)
	c.mu.Lock()
	c.token = resp.Token
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.logger.Info("logged in", "extension", c.extension, "token_expires", expiresAt.Format(time.RFC3339))
	return nil
}

// Token returns the current app token and whether one is held.
func (c *Client) Token() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

// Account fetches the provisioning profile. A 401 triggers one
// re-login before the request is retried.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acct Account
	err := c.authorized(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/api/v1/app/me", nil, true, &acct)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	if acct.IdentityHeader == "" {
		acct.IdentityHeader = DefaultIdentityHeader
	}
	if acct.EventsPath == "" {
		acct.EventsPath = "/api/v1/app/events"
	}
	return &acct, nil
}

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterPushToken announces where call wake-ups for this device
// should be delivered.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	err := c.authorized(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, "/api/v1/app/push-token",
			pushTokenRequest{Token: token, Platform: "flowphone"}, true, nil)
	})
	if err != nil {
		return fmt.Errorf("registering push token: %w", err)
	}
	return nil
}

// EventsURL resolves the push feed websocket URL for the given path.
func (c *Client) EventsURL(path string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// RunTokenRefresh keeps the app token fresh until ctx is cancelled:
// log in, wait out 80% of the token lifetime, log in again. Failures
// retry with exponential backoff.
func (c *Client) RunTokenRefresh(ctx context.Context) {
	bo := backoff.New(5*time.Second, 5*time.Minute)
	for {
		if err := c.Login(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.Next()
			c.logger.Error("app login failed",
				"error", err,
				"attempt", bo.Attempt(),
				"retry_in", delay.Round(time.Second).String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		bo.Reset()

		c.mu.Lock()
		expiresAt := c.expiresAt
		c.mu.Unlock()

		// Refresh at 80% of the remaining lifetime so a slow network
		// never leaves the device with an expired token.
		refreshIn := time.Duration(float64(time.Until(expiresAt)) * 0.8)
		if refreshIn < time.Minute {
			refreshIn = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshIn):
		}
	}
}

// authorized runs fn, and on a 401 logs in once and runs it again.
func (c *Client) authorized(ctx context.Context, fn func() error) error {
	err := fn()
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.logger.Info("app token rejected, logging in again")
		if err := c.Login(ctx); err != nil {
			return err
		}
		return fn()
	}
	return err
}

type responseEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, auth bool, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token, ok := c.Token()
		if !ok {
			return &APIError{Status: http.StatusUnauthorized, Message: "no app token held"}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env responseEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&env); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && out == nil {
			// Some endpoints answer 2xx with an empty body.
			return nil
		}
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decoding data: %w", method, path, err)
		}
	}
	return nil
}

// tokenExpiry reads the expiry from the token's own claims, falling
// back to the server-reported time. The signature is not checked here;
// only the server validates tokens.
func tokenExpiry(token string, fallback time.Time) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return fallback
}
