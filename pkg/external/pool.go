// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package external talks to remote MCP servers on behalf of passthrough
// tools: a session pool (one live session per source), bearer/header/OAuth
// credentials, RFC 9728/8414 discovery, and hop counting against
// passthrough loops.
package external

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// HopHeader counts mcpbox instances a call has passed through. An external
// source that is itself an mcpbox forwards the incremented value, so loops
// terminate at MaxHops instead of recursing forever.
const HopHeader = "X-Mcpbox-Hops"

// Defaults.
const (
	DefaultSessionIdle = 10 * time.Minute
	DefaultMaxSessions = 64
	DefaultMaxHops     = 3
)

type hopsContextKey struct{}

// WithHops records the inbound hop count on the context.
func WithHops(ctx context.Context, hops int) context.Context {
	return context.WithValue(ctx, hopsContextKey{}, hops)
}

// HopsFromContext returns the inbound hop count, zero when absent.
func HopsFromContext(ctx context.Context) int {
	if hops, ok := ctx.Value(hopsContextKey{}).(int); ok {
		return hops
	}
	return 0
}

// HopsFromRequest lifts the hop header into the context. Wired into the
// gateway transport as an HTTP context function.
func HopsFromRequest(ctx context.Context, r *http.Request) context.Context {
	raw := r.Header.Get(HopHeader)
	if raw == "" {
		return ctx
	}
	hops, err := strconv.Atoi(raw)
	if err != nil || hops < 0 {
		return ctx
	}
	return WithHops(ctx, hops)
}

// SourceStore is the persistence slice the pool and the OAuth flow need.
// storage.Store satisfies it.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (*storage.ExternalSource, error)
	SetDiscovered(ctx context.Context, id string, tools []storage.ExternalTool) error
	SetAuthenticated(ctx context.Context, id string, authenticated bool) error
	SetOAuthArtifacts(ctx context.Context, id, refreshCiphertext, verifierCiphertext string, authenticated bool) error
	SetSourceStatus(ctx context.Context, id, status string) error
}

// Config sizes the pool.
type Config struct {
	SessionIdle time.Duration
	MaxSessions int
	MaxHops     int
}

func (c *Config) applyDefaults() {
	if c.SessionIdle <= 0 {
		c.SessionIdle = DefaultSessionIdle
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
}

type poolSession struct {
	sourceID string
	client   *mcpclient.Client
	lastUsed time.Time
	elem     *list.Element
}

// Pool keeps at most one live MCP session per external source, rebuilt
// after idle and once on an auth failure.
type Pool struct {
	cfg     Config
	store   SourceStore
	secrets *secrets.Store
	flow    *OAuthFlow
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*poolSession
	order    *list.List
}

// NewPool builds the pool. flow may be nil when no source uses OAuth.
func NewPool(cfg Config, store SourceStore, secretStore *secrets.Store, flow *OAuthFlow, m *metrics.Metrics) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		store:    store,
		secrets:  secretStore,
		flow:     flow,
		metrics:  m,
		sessions: make(map[string]*poolSession),
		order:    list.New(),
	}
}

// CallTool forwards one tools/call to the source. On an auth failure the
// session is rebuilt once; a second failure marks the source as needing
// authentication.
func (p *Pool) CallTool(ctx context.Context, sourceID, toolName string, args map[string]any) (any, error) {
	hops := HopsFromContext(ctx)
	if hops+1 > p.cfg.MaxHops {
		return nil, errors.NewSecurityError(
			fmt.Sprintf("passthrough hop limit (%d) exceeded, refusing likely loop", p.cfg.MaxHops), nil)
	}

	result, err := p.callOnce(ctx, sourceID, toolName, args)
	if err != nil && isAuthFailure(err) {
		logger.Infow("external call unauthorized, rebuilding session", "source", sourceID)
		p.Invalidate(sourceID)
		p.metrics.ExternalReinits.Inc()

		result, err = p.callOnce(ctx, sourceID, toolName, args)
		if err != nil && isAuthFailure(err) {
			if markErr := p.store.SetAuthenticated(ctx, sourceID, false); markErr != nil {
				logger.Errorw("failed to mark source unauthenticated", "source", sourceID, "error", markErr)
			}
			return nil, errors.NewSecurityError("external source needs authentication", err)
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pool) callOnce(ctx context.Context, sourceID, toolName string, args map[string]any) (any, error) {
	sess, err := p.get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := sess.client.CallTool(ctx, req)
	if err != nil {
		return nil, errors.NewUpstreamError("external tool call failed", err)
	}
	if result.IsError {
		return nil, errors.NewUpstreamError(resultText(result), nil)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return resultText(result), nil
}

// Discover lists the source's remote tools and records them.
func (p *Pool) Discover(ctx context.Context, sourceID string) ([]storage.ExternalTool, error) {
	sess, err := p.get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	listed, err := sess.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if statusErr := p.store.SetSourceStatus(ctx, sourceID, "error"); statusErr != nil {
			logger.Errorw("failed to record source status", "source", sourceID, "error", statusErr)
		}
		return nil, errors.NewUpstreamError("external tools/list failed", err)
	}

	tools := make([]storage.ExternalTool, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		tools = append(tools, storage.ExternalTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	if err := p.store.SetDiscovered(ctx, sourceID, tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Invalidate drops the source's session. Called on source update, delete,
// and auth failure.
func (p *Pool) Invalidate(sourceID string) {
	p.mu.Lock()
	sess, ok := p.sessions[sourceID]
	if ok {
		p.removeLocked(sess)
	}
	p.mu.Unlock()
	if ok {
		sess.client.Close()
	}
}

// Close drops every session.
func (p *Pool) Close() {
	p.mu.Lock()
	drop := make([]*poolSession, 0, len(p.sessions))
	for _, sess := range p.sessions {
		drop = append(drop, sess)
	}
	p.sessions = make(map[string]*poolSession)
	p.order.Init()
	p.mu.Unlock()

	for _, sess := range drop {
		sess.client.Close()
	}
}

func (p *Pool) get(ctx context.Context, sourceID string) (*poolSession, error) {
	p.mu.Lock()
	sess, ok := p.sessions[sourceID]
	if ok {
		if time.Since(sess.lastUsed) <= p.cfg.SessionIdle {
			sess.lastUsed = time.Now()
			p.order.MoveToFront(sess.elem)
			p.mu.Unlock()
			return sess, nil
		}
		// Idle sessions are rebuilt: the remote end has likely dropped the
		// transport already.
		p.removeLocked(sess)
		p.mu.Unlock()
		sess.client.Close()
		p.metrics.ExternalReinits.Inc()
	} else {
		p.mu.Unlock()
	}

	source, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	client, err := p.connect(ctx, source)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.sessions[sourceID]; ok {
		// Lost a build race; keep the winner.
		p.mu.Unlock()
		client.Close()
		return existing, nil
	}
	var evicted *poolSession
	if len(p.sessions) >= p.cfg.MaxSessions {
		if back := p.order.Back(); back != nil {
			evicted = back.Value.(*poolSession)
			p.removeLocked(evicted)
		}
	}
	sess = &poolSession{sourceID: sourceID, client: client, lastUsed: time.Now()}
	sess.elem = p.order.PushFront(sess)
	p.sessions[sourceID] = sess
	p.mu.Unlock()

	if evicted != nil {
		logger.Infow("external session evicted", "source", evicted.sourceID)
		evicted.client.Close()
	}
	return sess, nil
}

func (p *Pool) removeLocked(sess *poolSession) {
	p.order.Remove(sess.elem)
	delete(p.sessions, sess.sourceID)
}

// connect builds, starts and initializes a client for the source's declared
// transport.
func (p *Pool) connect(ctx context.Context, source *storage.ExternalSource) (*mcpclient.Client, error) {
	headers, err := p.headerFunc(ctx, source)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, headers: headers},
	}

	var client *mcpclient.Client
	switch source.Transport {
	case storage.TransportStreamableHTTP:
		client, err = mcpclient.NewStreamableHttpClient(source.URL,
			transport.WithHTTPBasicClient(httpClient))
	case storage.TransportSSE:
		client, err = mcpclient.NewSSEMCPClient(source.URL,
			transport.WithHTTPClient(httpClient))
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported transport %q", source.Transport), nil)
	}
	if err != nil {
		return nil, errors.NewUpstreamError("failed to create external client", err)
	}

	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, errors.NewUpstreamError("failed to start external session", err)
	}
	_, err = client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "mcpbox", Version: "1.0"},
		},
	})
	if err != nil {
		client.Close()
		if isAuthFailure(err) {
			return nil, errors.NewSecurityError("external source refused the handshake", err)
		}
		return nil, errors.NewUpstreamError("external initialize failed", err)
	}
	return client, nil
}

// headerFunc resolves the source's auth mode into a per-request header
// provider. Bearer and custom-header values are fixed for the session's
// lifetime; OAuth tokens come from a refreshing token source.
func (p *Pool) headerFunc(ctx context.Context, source *storage.ExternalSource) (func(context.Context) (map[string]string, error), error) {
	switch source.Auth {
	case storage.AuthNone, "":
		return nil, nil

	case storage.AuthBearer, storage.AuthHeader:
		if source.AuthSecretName == "" {
			return nil, errors.NewPreconditionError("source auth requires a secret name", nil)
		}
		value, err := p.secrets.Get(ctx, source.ServerID, source.AuthSecretName)
		if err != nil {
			return nil, err
		}
		header, headerValue := "Authorization", "Bearer "+value
		if source.Auth == storage.AuthHeader {
			if source.AuthHeaderName == "" {
				return nil, errors.NewPreconditionError("source auth requires a header name", nil)
			}
			header, headerValue = source.AuthHeaderName, value
		}
		static := map[string]string{header: headerValue}
		return func(context.Context) (map[string]string, error) { return static, nil }, nil

	case storage.AuthOAuth:
		if p.flow == nil {
			return nil, errors.NewPreconditionError("oauth is not configured", nil)
		}
		ts, err := p.flow.tokenSource(ctx, source)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (map[string]string, error) {
			token, err := ts.Token()
			if err != nil {
				return nil, err
			}
			return map[string]string{"Authorization": "Bearer " + token.AccessToken}, nil
		}, nil

	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported auth mode %q", source.Auth), nil)
	}
}

// headerTransport injects auth headers and the incremented hop count into
// every outbound request.
type headerTransport struct {
	base    http.RoundTripper
	headers func(context.Context) (map[string]string, error)
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.headers != nil {
		resolved, err := t.headers(req.Context())
		if err != nil {
			return nil, err
		}
		for header, value := range resolved {
			req.Header.Set(header, value)
		}
	}
	req.Header.Set(HopHeader, strconv.Itoa(HopsFromContext(req.Context())+1))
	return t.base.RoundTrip(req)
}

// isAuthFailure matches transport-level auth refusals. The SDK surfaces
// them as plain errors, so string matching is all there is.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized")
}

func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
