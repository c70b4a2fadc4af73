// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package client calls the sandbox service from the control plane. It owns
// the retry policy and the circuit breaker; callers just see typed methods
// and classified errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/resilience"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
)

// Retry policy for idempotent calls. /execute never retries: the tool may
// have side effects.
const (
	maxAttempts     = 3
	initialInterval = 250 * time.Millisecond
	maxInterval     = 5 * time.Second
)

// Config tunes the client.
type Config struct {
	// BaseURL is the sandbox service root, e.g. http://127.0.0.1:8091.
	BaseURL string
	// Token is the shared service token.
	Token string
	// ConnectTimeout bounds dialing the service.
	ConnectTimeout time.Duration
	// TotalTimeout bounds a whole call, body included. It must exceed the
	// longest tool timeout; Execute adds slack for the tool's own budget.
	TotalTimeout time.Duration
	// Breaker tunes the circuit breaker. Zero values take the defaults.
	Breaker resilience.BreakerConfig
	// HTTPClient overrides the built client when set. Tests use it.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 5*time.Minute + 5*time.Second
	}
}

// Client is the typed sandbox service client.
type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *resilience.Breaker
}

// New creates a client. The base URL must parse.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, errors.NewValidationError(
			fmt.Sprintf("invalid sandbox base URL %q", cfg.BaseURL), err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.TotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		base:    cfg.BaseURL,
		token:   cfg.Token,
		http:    httpClient,
		breaker: resilience.NewBreaker(cfg.Breaker),
	}, nil
}

// Reset forces the circuit breaker closed.
func (c *Client) Reset() {
	c.breaker.Reset()
}

// BreakerState reports the breaker's current state, for metrics.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Health fetches the service's liveness and registry counts.
func (c *Client) Health(ctx context.Context) (*sandbox.HealthResponse, error) {
	var health sandbox.HealthResponse
	err := c.callIdempotent(ctx, http.MethodGet, "/health", nil, &health)
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// Register replaces a server's tool set. Registration is a full replace, so
// retrying it is safe.
func (c *Client) Register(ctx context.Context, serverID string, req *sandbox.RegisterRequest) error {
	path := "/servers/" + url.PathEscape(serverID) + "/register"
	return c.callIdempotent(ctx, http.MethodPost, path, req, nil)
}

// Unregister drops a server's tools. Unknown servers are not an error.
func (c *Client) Unregister(ctx context.Context, serverID string) error {
	path := "/servers/" + url.PathEscape(serverID) + "/unregister"
	return c.callIdempotent(ctx, http.MethodPost, path, nil, nil)
}

// Execute invokes one tool. Never retried: the call may have side effects.
// The response reports tool-level failure in-band; a Go error means the
// service itself could not be reached or refused the request.
func (c *Client) Execute(ctx context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	var resp sandbox.ExecuteResponse
	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, http.MethodPost, "/execute", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// callIdempotent runs one idempotent request under the breaker, retrying
// transient failures with capped equal-jitter backoff.
func (c *Client) callIdempotent(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = initialInterval
		policy.MaxInterval = maxInterval
		policy.RandomizationFactor = 0.5

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := c.roundTrip(ctx, method, path, body, out)
			if err == nil {
				return struct{}{}, nil
			}
			var permanent *resilience.PermanentError
			if stderrors.As(err, &permanent) {
				// Keep the breaker marker but stop retrying.
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxAttempts))
		return err
	})
}

// roundTrip performs one HTTP exchange and classifies the outcome. 4xx
// responses come back wrapped in resilience.Permanent so the breaker does
// not count them; 401 stays a plain failure because a token mismatch on a
// live service is worth tripping over.
func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return resilience.Permanent(errors.NewInternalError("encode request", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return resilience.Permanent(errors.NewInternalError("build request", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(sandbox.ServiceTokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewUpstreamError("sandbox service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.NewUpstreamError("decode sandbox response", err)
		}
		return nil
	}

	svcErr := decodeError(resp)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusUnauthorized {
		return resilience.Permanent(svcErr)
	}
	return svcErr
}

// serviceError mirrors the service's JSON error envelope.
type serviceError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body serviceError
	msg := ""
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	} else {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errors.NewValidationError(msg, nil)
	case http.StatusUnauthorized:
		return errors.NewSecurityError(msg, nil)
	case http.StatusNotFound:
		return errors.NewNotFoundError(msg, nil)
	case http.StatusConflict:
		return errors.NewConflictError(msg, nil)
	case http.StatusTooManyRequests:
		return errors.NewRateLimitedError(msg, nil)
	default:
		return errors.NewUpstreamError(
			fmt.Sprintf("sandbox service returned %d: %s", resp.StatusCode, msg), nil)
	}
}
