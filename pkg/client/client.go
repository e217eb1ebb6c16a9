// Package client is the consumer-facing library for the relay: thin wrappers
// over the session API plus a realtime subscription that maintains one
// websocket with keepalive and bounded reconnection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	relayerr "github.com/rollkeeper/relay/pkg/errors"
)

// asyncDeleteTimeout bounds the fire-and-forget teardown request.
const asyncDeleteTimeout = 5 * time.Second

// Client calls the relay's session API and manages at most one realtime
// subscription at a time.
type Client struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	logger     *zap.Logger

	pingInterval time.Duration
	reconnect    reconnectSettings

	mu  sync.Mutex
	sub *Subscription
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithReconnect overrides the reconnection policy bounds.
func WithReconnect(initial, max time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		c.reconnect = reconnectSettings{initial: initial, max: max, maxAttempts: maxAttempts}
	}
}

// New creates a client. baseURL is the session API root, wsURL the
// websocket endpoint.
func New(baseURL, wsURL string, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		baseURL:      baseURL,
		wsURL:        wsURL,
		logger:       zap.NewNop(),
		pingInterval: 30 * time.Second,
		reconnect:    defaultReconnectSettings,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSessionResult is returned by CreateSession.
type CreateSessionResult struct {
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SessionRecord is returned by GetSession.
type SessionRecord struct {
	SessionID string          `json:"sessionId"`
	State     json.RawMessage `json:"state"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	ExpiresAt int64           `json:"expiresAt"`
}

// CreateSession shares a new session. expiresInMinutes of zero lets the
// server apply its default lifetime.
func (c *Client) CreateSession(ctx context.Context, state json.RawMessage, expiresInMinutes int) (*CreateSessionResult, error) {
	body := struct {
		State            json.RawMessage `json:"state"`
		ExpiresInMinutes *int            `json:"expiresInMinutes,omitempty"`
	}{State: state}
	if expiresInMinutes != 0 {
		body.ExpiresInMinutes = &expiresInMinutes
	}

	var result CreateSessionResult
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession fetches the full session record.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateSession replaces the session state. extendTTLMinutes of zero leaves
// the expiry untouched.
func (c *Client) UpdateSession(ctx context.Context, id string, state json.RawMessage, extendTTLMinutes int) error {
	body := struct {
		State            json.RawMessage `json:"state"`
		ExtendTTLMinutes *int            `json:"extendTtlMinutes,omitempty"`
	}{State: state}
	if extendTTLMinutes != 0 {
		body.ExtendTTLMinutes = &extendTTLMinutes
	}
	return c.do(ctx, http.MethodPut, "/sessions/"+id, body, nil)
}

// DeleteSession ends the session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, nil)
}

// DeleteSessionAsync fires a best-effort delete without waiting for the
// result, for page-teardown paths. Delivery is not guaranteed; the server's
// TTL is the backstop.
func (c *Client) DeleteSessionAsync(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncDeleteTimeout)
		defer cancel()
		if err := c.DeleteSession(ctx, id); err != nil {
			c.logger.Debug("async session delete failed",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}()
}

// do performs one JSON request and decodes the response into out. Server
// error text is propagated.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", relayerr.ErrSessionNotFound, msg)
		}
		return fmt.Errorf("request failed: %s", msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
