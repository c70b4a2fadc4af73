// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the domain entities mcpbox persists and the store
// interfaces the rest of the system depends on. The sqlite subpackage holds
// the only production implementation.
package storage

import (
	"encoding/json"
	"time"
)

// ServerStatus is the lifecycle state of a server.
type ServerStatus string

// Server lifecycle states.
const (
	ServerImported ServerStatus = "imported"
	ServerReady    ServerStatus = "ready"
	ServerRunning  ServerStatus = "running"
	ServerStopped  ServerStatus = "stopped"
	ServerError    ServerStatus = "error"
)

// NetworkMode controls what egress a server's tools are permitted.
type NetworkMode string

// Network modes.
const (
	// NetworkIsolated refuses all egress from the server's tools.
	NetworkIsolated NetworkMode = "isolated"
	// NetworkAllowlist permits egress only to the server's allowed hosts.
	NetworkAllowlist NetworkMode = "allowlist"
)

// Server groups tools, secrets and external sources. Deleting a server
// cascades to everything it owns.
type Server struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Description      string       `json:"description"`
	Status           ServerStatus `json:"status"`
	NetworkMode      NetworkMode  `json:"network_mode"`
	DefaultTimeoutMS int          `json:"default_timeout_ms"`
	AllowedHosts     []string     `json:"allowed_hosts"`
	// ErrorMessage is the user-visible reason when Status is ServerError.
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolType distinguishes native code tools from passthrough tools.
type ToolType string

// Tool types.
const (
	ToolTypePythonCode     ToolType = "python_code"
	ToolTypeMCPPassthrough ToolType = "mcp_passthrough"
)

// ApprovalStatus is the review state of a tool's current source.
type ApprovalStatus string

// Tool approval states.
const (
	ApprovalDraft         ApprovalStatus = "draft"
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
)

// Tool is one executable unit. Invariant: Enabled implies ApprovalStatus is
// ApprovalApproved; the store enforces it on every write that could break it.
type Tool struct {
	ID          string `json:"id"`
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	TimeoutMS   int    `json:"timeout_ms"`

	ToolType ToolType `json:"tool_type"`
	// Source is the tool code for native tools; empty for passthrough tools.
	Source string `json:"source,omitempty"`
	// ExternalSourceID and ExternalToolName locate the remote tool for
	// passthrough tools; empty otherwise.
	ExternalSourceID string `json:"external_source_id,omitempty"`
	ExternalToolName string `json:"external_tool_name,omitempty"`

	// InputSchema is derived from the entry point signature (native) or
	// copied from the remote descriptor (passthrough).
	InputSchema map[string]any `json:"input_schema,omitempty"`

	ApprovalStatus ApprovalStatus `json:"approval_status"`
	CurrentVersion int            `json:"current_version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ToolVersion is one entry of a tool's append-only source history.
type ToolVersion struct {
	ToolID        string    `json:"tool_id"`
	VersionNumber int       `json:"version_number"`
	Source        string    `json:"source"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// ServerSecret is one encrypted key/value pair. The cleartext never appears
// here; Ciphertext is the AEAD output bound to the server and key name.
type ServerSecret struct {
	ServerID   string    `json:"server_id"`
	KeyName    string    `json:"key_name"`
	Ciphertext string    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RequestKind is the kind of an approval request.
type RequestKind string

// Approval request kinds.
const (
	KindToolPublish RequestKind = "tool_publish"
	KindModule      RequestKind = "module"
	KindNetwork     RequestKind = "network"
)

// RequestStatus is the state of an approval request.
type RequestStatus string

// Approval request states.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestRevoked  RequestStatus = "revoked"
)

// ApprovalRequest is one pending or resolved review item. SubjectID is the
// tool id for tool_publish and the requesting tool/server id otherwise;
// Subject is the module name or host:port for module/network kinds.
type ApprovalRequest struct {
	ID            string        `json:"id"`
	Kind          RequestKind   `json:"kind"`
	SubjectID     string        `json:"subject_id"`
	Subject       string        `json:"subject"`
	RequestedBy   string        `json:"requested_by"`
	Justification string        `json:"justification"`
	Status        RequestStatus `json:"status"`
	ReviewedBy    string        `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// TransportType is the wire transport of an external MCP source.
type TransportType string

// External source transports.
const (
	TransportStreamableHTTP TransportType = "streamable_http"
	TransportSSE            TransportType = "sse"
)

// AuthType is how requests to an external MCP source are authenticated.
type AuthType string

// External source auth modes.
const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthHeader AuthType = "header"
	AuthOAuth  AuthType = "oauth"
)

// ExternalTool is one tool reported by a remote MCP server during discovery.
type ExternalTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ExternalSource is a remote MCP endpoint whose tools can be imported as
// passthrough tools. OAuth artifacts are stored encrypted and are never
// returned through any read endpoint.
type ExternalSource struct {
	ID        string        `json:"id"`
	ServerID  string        `json:"server_id"`
	Name      string        `json:"name"`
	URL       string        `json:"url"`
	Transport TransportType `json:"transport"`

	Auth AuthType `json:"auth"`
	// AuthSecretName names the server secret holding the bearer/header value.
	AuthSecretName string `json:"auth_secret_name,omitempty"`
	AuthHeaderName string `json:"auth_header_name,omitempty"`

	// OAuth state. The ciphertext fields are AEAD outputs with AADs bound to
	// the source id.
	Issuer                 string `json:"issuer,omitempty"`
	ClientID               string `json:"client_id,omitempty"`
	RefreshTokenCiphertext string `json:"-"`
	CodeVerifierCiphertext string `json:"-"`
	Authenticated          bool   `json:"authenticated"`

	Status           string         `json:"status"`
	LastDiscoveredAt *time.Time     `json:"last_discovered_at,omitempty"`
	ToolCount        int            `json:"tool_count"`
	Tools            []ExternalTool `json:"tools,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ExecutionLog is the persisted record of one tool invocation. Args and
// Result are stored redacted and truncated.
type ExecutionLog struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	ToolID     string    `json:"tool_id"`
	ToolName   string    `json:"tool_name"`
	Args       string    `json:"args"`
	Result     string    `json:"result"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`

	// HTTPLog is the JSON array of outbound requests the invocation made
	// (method, URL, status, duration, 1 KiB body preview), redacted by the
	// executor before it left the sandbox.
	HTTPLog json.RawMessage `json:"http_log,omitempty"`
}

// ActivityLog is one mutating admin action.
type ActivityLog struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
