package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"eduscrumawards/portal/internal/auth"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 64 << 10
	maxResponseBody = 8 << 20
)

// TokenSource yields the bearer token attached to authenticated calls.
// *auth.SessionStore and *auth.Manager satisfy it.
type TokenSource interface {
	Token(ctx context.Context) (string, bool, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, bool, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, bool, error) {
	return f(ctx)
}

// Observer records one backend call. status is 0 when no response arrived.
type Observer interface {
	ObserveBackendCall(operation string, status int, elapsed time.Duration)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Metrics    Observer
	Logger     *logrus.Logger
}

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	metrics Observer
	log     *logrus.Logger
	cache   *expirable.LRU[string, []byte]

	mu             sync.RWMutex
	onUnauthorized func(ctx context.Context, token string)
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend base url must be http or https, got %q", base)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	c := &Client{
		baseURL: base,
		http:    hc,
		tokens:  cfg.Tokens,
		metrics: cfg.Metrics,
		log:     log,
	}
	if cfg.CacheSize > 0 {
		c.cache = expirable.NewLRU[string, []byte](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return c, nil
}

// SetUnauthorizedHandler installs the hook fired when an authenticated call
// is rejected with 401 or has no token to send. token is the bearer that was
// rejected, empty when none was available.
func (c *Client) SetUnauthorizedHandler(fn func(ctx context.Context, token string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

// Purge drops every cached response.
func (c *Client) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

// Ping reports whether the backend answers HTTP at all. Any status counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping backend: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, authenticated bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	var token string
	if authenticated {
		token, err = c.bearer(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				c.fireUnauthorized(ctx, "")
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.observe(op, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := readAPIError(resp)
		if authenticated && resp.StatusCode == http.StatusUnauthorized {
			c.fireUnauthorized(ctx, token)
			return nil, fmt.Errorf("%s: %w: %w", op, auth.ErrUnauthorized, apiErr)
		}
		return nil, fmt.Errorf("%s: %w", op, apiErr)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	return raw, nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", auth.ErrUnauthorized
	}
	token, ok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if !ok {
		return "", auth.ErrUnauthorized
	}
	return token, nil
}

// getJSON performs an authenticated GET. When cached is set, the raw body is
// served from and stored in the response cache.
func (c *Client) getJSON(ctx context.Context, op, path string, cached bool, out any) error {
	if cached && c.cache != nil {
		if raw, ok := c.cache.Get(path); ok {
			c.log.WithFields(logrus.Fields{"op": op, "path": path}).Debug("backend cache hit")
			return decode(op, raw, out)
		}
	}
	raw, err := c.do(ctx, op, http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	if err := decode(op, raw, out); err != nil {
		return err
	}
	if cached && c.cache != nil {
		c.cache.Add(path, raw)
	}
	return nil
}

func decode(op string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) observe(op string, status int, start time.Time) {
	elapsed := time.Since(start)
	c.log.WithFields(logrus.Fields{
		"op":          op,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}).Debug("backend call")
	if c.metrics != nil {
		c.metrics.ObserveBackendCall(op, status, elapsed)
	}
}

func (c *Client) fireUnauthorized(ctx context.Context, token string) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn(ctx, token)
	}
}

// readAPIError extracts a human-readable message from a plain-text body or
// a JSON body carrying "message" or "error".
func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err == nil {
			switch {
			case payload.Message != "":
				text = payload.Message
			case payload.Error != "":
				text = payload.Error
			default:
				text = ""
			}
		}
	}
	apiErr.Message = strings.TrimSpace(text)
	return apiErr
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
