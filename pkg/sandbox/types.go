// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox defines the wire types shared by the sandbox service and
// its client. The service may run embedded in the control-plane process or
// as a separate hardened process; either way this is the contract.
package sandbox

import "github.com/mcpbox/mcpbox/pkg/storage"

// ErrorKind classifies an execution failure. Values are stable; they appear
// in execution logs and API responses.
type ErrorKind string

// Execution failure kinds.
const (
	ErrorKindValidation     ErrorKind = "Validation"
	ErrorKindImport         ErrorKind = "Import"
	ErrorKindTimeout        ErrorKind = "Timeout"
	ErrorKindMemoryExceeded ErrorKind = "MemoryExceeded"
	ErrorKindCPUExceeded    ErrorKind = "CpuExceeded"
	ErrorKindNetwork        ErrorKind = "Network"
	ErrorKindRuntime        ErrorKind = "Runtime"
)

// ErrorDetail carries what the caller may see about a failure. Stack is a
// guest-level backtrace; Go frames never appear here.
type ErrorDetail struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ToolSpec is one tool as registered with the sandbox service.
type ToolSpec struct {
	Name        string         `json:"name"`
	Source      string         `json:"source"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	TimeoutMS   int            `json:"timeout_ms"`
	// Serialize forces invocations of this tool to run one at a time.
	Serialize bool `json:"serialize,omitempty"`
}

// RegisterRequest replaces a server's tool set atomically. Secrets travel as
// cleartext: the internal API is reachable only with the service token, and
// the sandbox process holds no master key.
type RegisterRequest struct {
	NetworkMode  storage.NetworkMode `json:"network_mode"`
	AllowedHosts []string            `json:"allowed_hosts,omitempty"`
	Secrets      map[string]string   `json:"secrets,omitempty"`
	Tools        []ToolSpec          `json:"tools"`
}

// ExecuteRequest invokes one registered tool.
type ExecuteRequest struct {
	ServerID string         `json:"server_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
	// TimeoutMS overrides the registered timeout when positive; it is still
	// clamped to the service's wall-clock maximum.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ExecuteResponse is the outcome of one invocation. Result and Stdout are
// truncated server-side; Truncated reports that it happened.
type ExecuteResponse struct {
	Success     bool           `json:"success"`
	Result      any            `json:"result,omitempty"`
	Stdout      string         `json:"stdout,omitempty"`
	Stderr      string         `json:"stderr,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	Truncated   bool           `json:"truncated,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail *ErrorDetail   `json:"error_detail,omitempty"`
	HTTPLog     []HTTPLogEntry `json:"http_log,omitempty"`
}

// HTTPLogEntry is one outbound request the invocation made. The executor
// redacts secret values before the entry leaves the sandbox.
type HTTPLogEntry struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	BodyPreview string `json:"body_preview,omitempty"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Servers int    `json:"servers"`
	Tools   int    `json:"tools"`
}

// ServiceTokenHeader authenticates control-plane calls to the service.
const ServiceTokenHeader = "X-Service-Token"
