// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// BodyPreviewBytes is how much of a response body a request log entry keeps.
const BodyPreviewBytes = 1024

// RequestLogEntry records one outbound request for the execution log.
type RequestLogEntry struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	BodyPreview string `json:"body_preview,omitempty"`
}

// Recorder receives a log entry per completed outbound request.
type Recorder func(RequestLogEntry)

// TransportOptions sizes the shared outbound transport.
type TransportOptions struct {
	PoolSize  int
	Keepalive time.Duration
}

// NewTransport builds the single pooled transport every EgressClient shares.
// All dials go through the guarded dialer.
func NewTransport(opts TransportOptions) *http.Transport {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 16
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}
	return &http.Transport{
		DialContext:           guardedDialContext(net.DefaultResolver),
		MaxConnsPerHost:       opts.PoolSize,
		MaxIdleConnsPerHost:   opts.PoolSize,
		IdleConnTimeout:       opts.Keepalive,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// EgressClient is the only network path available to guest tool code. It
// enforces the server's network mode and host allowlist before any connection
// is attempted, never follows redirects, and reports every request through
// the recorder.
type EgressClient struct {
	client       *http.Client
	mode         storage.NetworkMode
	allowedHosts []string
	recorder     Recorder
}

// NewEgressClient builds a client for one server's invocation. The transport
// is shared; mode and allowlist are per server.
func NewEgressClient(
	transport http.RoundTripper,
	mode storage.NetworkMode,
	allowedHosts []string,
	timeout time.Duration,
	recorder Recorder,
) *EgressClient {
	return &EgressClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		mode:         mode,
		allowedHosts: allowedHosts,
		recorder:     recorder,
	}
}

// Do performs one guarded request.
func (c *EgressClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkHost(req.URL.Hostname(), req.URL.Port(), req.URL.Scheme); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	entry := RequestLogEntry{
		Method:     req.Method,
		URL:        req.URL.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		c.record(entry)
		return nil, err
	}

	entry.Status = resp.StatusCode
	resp.Body, entry.BodyPreview = previewBody(resp.Body)
	c.record(entry)
	return resp, nil
}

// checkHost applies the server's network mode before any dial happens. The
// allowlist matches the exact host, or host:port when the entry carries one.
func (c *EgressClient) checkHost(host, port, scheme string) error {
	switch c.mode {
	case storage.NetworkAllowlist:
		if port == "" {
			port = defaultPort(scheme)
		}
		hostPort := net.JoinHostPort(host, port)
		for _, allowed := range c.allowedHosts {
			if strings.EqualFold(allowed, host) || strings.EqualFold(allowed, hostPort) {
				return nil
			}
		}
		return errors.NewSecurityError(
			fmt.Sprintf("host %s is not on the server's allowlist", hostPort), nil)
	case storage.NetworkIsolated:
		return errors.NewSecurityError("server network mode is isolated, egress refused", nil)
	default:
		return errors.NewSecurityError(
			fmt.Sprintf("unknown network mode %q, egress refused", c.mode), nil)
	}
}

func (c *EgressClient) record(entry RequestLogEntry) {
	if c.recorder != nil {
		c.recorder(entry)
	}
}

func defaultPort(scheme string) string {
	if strings.EqualFold(scheme, "https") {
		return "443"
	}
	return "80"
}

// previewBody reads the first BodyPreviewBytes of the body and returns a
// replacement reader that replays them before the remainder.
func previewBody(body io.ReadCloser) (io.ReadCloser, string) {
	if body == nil {
		return body, ""
	}
	buf := make([]byte, BodyPreviewBytes)
	n, _ := io.ReadFull(body, buf)
	preview := string(buf[:n])
	return &replayReader{head: strings.NewReader(preview), tail: body}, preview
}

type replayReader struct {
	head io.Reader
	tail io.ReadCloser
}

func (r *replayReader) Read(p []byte) (int, error) {
	n, err := r.head.Read(p)
	if err == io.EOF {
		return r.tail.Read(p)
	}
	return n, err
}

func (r *replayReader) Close() error { return r.tail.Close() }

// Dial exposes the guarded dialer for non-HTTP consumers.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return guardedDialContext(net.DefaultResolver)(ctx, network, addr)
}
