// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway serves the MCP endpoint. It projects running servers'
// approved, enabled tools into one MCP tool list, dispatches calls to the
// sandbox or to external sources, and pushes list_changed frames when the
// catalog moves under a connected client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/external"
	"github.com/mcpbox/mcpbox/pkg/gateway/session"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// DefaultEndpointPath is where the streamable HTTP transport listens.
const DefaultEndpointPath = "/mcp"

// logFieldCap bounds persisted args/result/stdout text per execution log
// entry.
const logFieldCap = 10 * 1024

// Invoker runs native tools. The sandbox client implements it.
type Invoker interface {
	Execute(ctx context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error)
}

// Dispatcher forwards passthrough calls to an external MCP source.
type Dispatcher interface {
	CallTool(ctx context.Context, sourceID, toolName string, args map[string]any) (any, error)
}

// SecretReader loads a server's decrypted secret view so call arguments can
// be scrubbed before they are persisted. secrets.Store implements it.
type SecretReader interface {
	ViewForServer(ctx context.Context, serverID string) (*secrets.View, error)
}

// Catalog is the persistence slice the gateway reads and logs through.
// storage.Store satisfies it.
type Catalog interface {
	GetServer(ctx context.Context, id string) (*storage.Server, error)
	ListServersByStatus(ctx context.Context, status storage.ServerStatus) ([]*storage.Server, error)
	ListServerTools(ctx context.Context, serverID string) ([]*storage.Tool, error)
	GetTool(ctx context.Context, id string) (*storage.Tool, error)
	AppendExecution(ctx context.Context, entry *storage.ExecutionLog) error
}

// Config sizes and names the gateway.
type Config struct {
	Name    string
	Version string
	// EndpointPath defaults to DefaultEndpointPath.
	EndpointPath string
	// ToolPrefix exposes tools as mcpbox_{server}_{tool} instead of their
	// bare names. Required whenever more than one server can run at once.
	ToolPrefix  bool
	SessionTTL  time.Duration
	MaxSessions int
}

// toolBinding ties an exposed MCP tool name back to the catalog row it came
// from. Server and tool state is re-read at call time; the binding only
// locates it.
type toolBinding struct {
	serverID   string
	serverName string
	toolID     string
}

// Gateway is the MCP-facing server.
type Gateway struct {
	cfg      Config
	store    Catalog
	secrets  SecretReader
	invoker  Invoker
	external Dispatcher
	metrics  *metrics.Metrics

	sessions *session.Manager
	notifier *Notifier
	mcp      *server.MCPServer
	http     *server.StreamableHTTPServer

	mu         sync.Mutex
	registered map[string]toolBinding
}

// New assembles the gateway. external may be nil when no external sources
// are configured; passthrough tools then fail with a clear message. secrets
// may be nil only when no secrets backend exists at all.
func New(cfg Config, store Catalog, secretSource SecretReader, invoker Invoker, dispatcher Dispatcher, m *metrics.Metrics) *Gateway {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}

	g := &Gateway{
		cfg:        cfg,
		store:      store,
		secrets:    secretSource,
		invoker:    invoker,
		external:   dispatcher,
		metrics:    m,
		sessions:   session.NewManager(cfg.SessionTTL, cfg.MaxSessions),
		registered: make(map[string]toolBinding),
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, s server.ClientSession) {
		logger.Infow("mcp session registered", "session", s.SessionID())
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, s server.ClientSession) {
		logger.Infow("mcp session unregistered", "session", s.SessionID())
	})

	g.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithHooks(hooks),
	)
	g.notifier = newNotifier(g.mcp, g.sessions, m)
	g.sessions.SetOnEvict(g.notifier.sessionEvicted)

	g.http = server.NewStreamableHTTPServer(g.mcp,
		server.WithEndpointPath(cfg.EndpointPath),
		server.WithHTTPContextFunc(external.HopsFromRequest),
		server.WithSessionIdManager(&sessionIDAdapter{
			sessions: g.sessions,
			notifier: g.notifier,
			metrics:  m,
		}),
	)
	return g
}

// Handler returns the MCP transport handler.
func (g *Gateway) Handler() http.Handler { return g.http }

// Notifier exposes the push channel so lifecycle code can broadcast.
func (g *Gateway) Notifier() *Notifier { return g.notifier }

// Close stops the notifier writers and the session sweeper.
func (g *Gateway) Close() {
	g.notifier.Close()
	g.sessions.Close()
}

// ExposedName is the MCP name a tool is published under.
func (g *Gateway) ExposedName(serverName, toolName string) string {
	if g.cfg.ToolPrefix {
		return fmt.Sprintf("mcpbox_%s_%s", serverName, toolName)
	}
	return toolName
}

// SyncTools rebuilds the published tool list from the catalog: every
// approved, enabled tool of every running server, ordered by server name
// then tool name.
func (g *Gateway) SyncTools(ctx context.Context) error {
	servers, err := g.store.ListServersByStatus(ctx, storage.ServerRunning)
	if err != nil {
		return err
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	want := make(map[string]toolBinding)
	var sdkTools []server.ServerTool

	for _, srv := range servers {
		tools, err := g.store.ListServerTools(ctx, srv.ID)
		if err != nil {
			return err
		}
		for _, tool := range tools {
			if !tool.Enabled || tool.ApprovalStatus != storage.ApprovalApproved {
				continue
			}
			name := g.ExposedName(srv.Name, tool.Name)
			if _, dup := want[name]; dup {
				logger.Warnw("tool name collision, keeping the first",
					"name", name, "server", srv.Name)
				continue
			}

			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			schemaJSON, err := json.Marshal(schema)
			if err != nil {
				return errors.NewInternalError(
					fmt.Sprintf("failed to encode schema for tool %s", tool.Name), err)
			}

			want[name] = toolBinding{serverID: srv.ID, serverName: srv.Name, toolID: tool.ID}
			sdkTools = append(sdkTools, server.ServerTool{
				Tool: mcp.Tool{
					Name:           name,
					Description:    tool.Description,
					RawInputSchema: schemaJSON,
				},
				Handler: g.toolHandler(name),
			})
		}
	}

	g.mu.Lock()
	var removed []string
	for name := range g.registered {
		if _, keep := want[name]; !keep {
			removed = append(removed, name)
		}
	}
	g.registered = want
	g.mu.Unlock()

	if len(removed) > 0 {
		g.mcp.DeleteTools(removed...)
	}
	if len(sdkTools) > 0 {
		g.mcp.AddTools(sdkTools...)
	}
	return nil
}

// ToolsChanged re-syncs the published list and pushes list_changed to every
// live session. Lifecycle calls it after any mutation that can alter what
// clients see.
func (g *Gateway) ToolsChanged(ctx context.Context) error {
	if err := g.SyncTools(ctx); err != nil {
		return err
	}
	g.notifier.ToolsChanged()
	return nil
}

func (g *Gateway) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.mu.Lock()
		binding, ok := g.registered[name]
		g.mu.Unlock()
		if !ok {
			return mcp.NewToolResultError("tool is no longer available"), nil
		}
		return g.dispatch(ctx, binding, req.GetArguments())
	}
}

// dispatch re-reads the catalog so a call racing an admin mutation sees the
// committed state, then routes by tool type.
func (g *Gateway) dispatch(
	ctx context.Context, binding toolBinding, args map[string]any,
) (*mcp.CallToolResult, error) {
	srv, err := g.store.GetServer(ctx, binding.serverID)
	if err != nil || srv.Status != storage.ServerRunning {
		return mcp.NewToolResultError("server is not running"), nil
	}
	tool, err := g.store.GetTool(ctx, binding.toolID)
	if err != nil || !tool.Enabled || tool.ApprovalStatus != storage.ApprovalApproved {
		return mcp.NewToolResultError("tool is no longer available"), nil
	}

	start := time.Now()
	var result *mcp.CallToolResult
	entry := &storage.ExecutionLog{
		ServerID: srv.ID,
		ToolID:   tool.ID,
		ToolName: tool.Name,
		Args:     capText(g.redactForServer(ctx, srv.ID, marshalText(args))),
		Actor:    callActor(ctx),
	}

	switch tool.ToolType {
	case storage.ToolTypePythonCode:
		resp, err := g.invoker.Execute(ctx, &sandbox.ExecuteRequest{
			ServerID: srv.ID,
			ToolName: tool.Name,
			Args:     args,
		})
		if err != nil {
			entry.Success = false
			entry.ErrorKind = executionErrorKind(err)
			entry.Result = capText(err.Error())
			entry.DurationMS = time.Since(start).Milliseconds()
			g.finishCall(ctx, srv, tool, entry)
			return nil, err
		}
		entry.Success = resp.Success
		entry.Stdout = capText(resp.Stdout)
		entry.Stderr = capText(resp.Stderr)
		entry.DurationMS = resp.DurationMs
		if len(resp.HTTPLog) > 0 {
			// Bounded at the executor: at most httpLogCap entries with 1 KiB
			// body previews, already redacted.
			if data, err := json.Marshal(resp.HTTPLog); err == nil {
				entry.HTTPLog = data
			}
		}
		if resp.Success {
			payload := marshalText(resp.Result)
			entry.Result = capText(payload)
			result = mcp.NewToolResultText(payload)
		} else {
			entry.ErrorKind = string(resp.ErrorKind)
			msg := failureMessage(resp)
			entry.Result = capText(msg)
			result = mcp.NewToolResultError(msg)
		}

	case storage.ToolTypeMCPPassthrough:
		if g.external == nil {
			return mcp.NewToolResultError("external sources are not configured"), nil
		}
		out, err := g.external.CallTool(ctx, tool.ExternalSourceID, tool.ExternalToolName, args)
		entry.DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			entry.Success = false
			entry.ErrorKind = executionErrorKind(err)
			entry.Result = capText(err.Error())
			result = mcp.NewToolResultError(err.Error())
		} else {
			entry.Success = true
			payload := marshalText(out)
			entry.Result = capText(payload)
			result = mcp.NewToolResultText(payload)
		}

	default:
		return mcp.NewToolResultError("unknown tool type"), nil
	}

	g.finishCall(ctx, srv, tool, entry)
	return result, nil
}

// redactForServer scrubs the server's secret values out of text bound for
// the execution log. When the view cannot be loaded the text is withheld
// rather than risk persisting a secret.
func (g *Gateway) redactForServer(ctx context.Context, serverID, text string) string {
	if g.secrets == nil {
		return text
	}
	view, err := g.secrets.ViewForServer(ctx, serverID)
	if err != nil {
		logger.Warnw("secret view unavailable, withholding log text",
			"server", serverID, "error", err)
		return "[unavailable]"
	}
	defer view.Zero()
	return view.Redact(text)
}

func (g *Gateway) finishCall(ctx context.Context, srv *storage.Server, tool *storage.Tool, entry *storage.ExecutionLog) {
	outcome := "success"
	if !entry.Success {
		outcome = "failure"
	}
	g.metrics.Invocations.WithLabelValues(srv.Name, tool.Name, outcome).Inc()
	g.metrics.InvocationTime.WithLabelValues(srv.Name, tool.Name).
		Observe(float64(entry.DurationMS) / 1000)

	if err := g.store.AppendExecution(ctx, entry); err != nil {
		logger.Errorw("failed to persist execution log",
			"server", srv.ID, "tool", tool.ID, "error", err)
	}
}

// failureMessage is the guest-visible failure text: kind, message and the
// source line when the interpreter reported one.
func failureMessage(resp *sandbox.ExecuteResponse) string {
	if resp.ErrorDetail == nil {
		return string(resp.ErrorKind)
	}
	if resp.ErrorDetail.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)",
			resp.ErrorKind, resp.ErrorDetail.Message, resp.ErrorDetail.Line)
	}
	return fmt.Sprintf("%s: %s", resp.ErrorKind, resp.ErrorDetail.Message)
}

func executionErrorKind(err error) string {
	switch {
	case errors.IsTimeout(err):
		return string(sandbox.ErrorKindTimeout)
	case errors.IsUpstream(err):
		return string(sandbox.ErrorKindNetwork)
	default:
		return string(sandbox.ErrorKindRuntime)
	}
}

// callActor labels the execution log. Remote mode carries a verified
// identity; local mode logs the anonymous MCP client.
func callActor(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		if identity.Email != "" {
			return identity.Email
		}
		return identity.Subject
	}
	return "mcp-client"
}

func marshalText(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func capText(s string) string {
	if len(s) > logFieldCap {
		return s[:logFieldCap]
	}
	return s
}
