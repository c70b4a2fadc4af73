// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"
)

// ServerStore manages server persistence.
type ServerStore interface {
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByName(ctx context.Context, name string) (*Server, error)
	ListServers(ctx context.Context, page Page) ([]*Server, int, error)
	// ListServersByStatus returns every server in the given state, unpaged.
	// Recovery uses it to find running servers at boot.
	ListServersByStatus(ctx context.Context, status ServerStatus) ([]*Server, error)
	UpdateServer(ctx context.Context, server *Server) error
	// UpdateServerStatus transitions the status and records the user-visible
	// message (empty unless the status is ServerError).
	UpdateServerStatus(ctx context.Context, id string, status ServerStatus, message string) error
	DeleteServer(ctx context.Context, id string) error
	AddAllowedHost(ctx context.Context, id, host string) error
	RemoveAllowedHost(ctx context.Context, id, host string) error
}

// ToolStore manages tool and tool-version persistence.
type ToolStore interface {
	// CreateTool inserts the tool and its version 1 in one transaction.
	CreateTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	GetToolByName(ctx context.Context, serverID, name string) (*Tool, error)
	ListTools(ctx context.Context, serverID string, page Page) ([]*Tool, int, error)
	// ListServerTools returns every tool of a server, unpaged, ordered by name.
	ListServerTools(ctx context.Context, serverID string) ([]*Tool, error)
	// UpdateToolMeta updates description, timeout and passthrough binding.
	// Source mutations go through UpdateToolSource.
	UpdateToolMeta(ctx context.Context, tool *Tool) error
	// UpdateToolSource stores new source as the next version and moves the
	// tool to newStatus, disabling it. The version number is allocated by an
	// atomic increment inside the same transaction that inserts the version
	// row, so concurrent updates can never share a number.
	UpdateToolSource(
		ctx context.Context, id, source, versionDescription string,
		schema map[string]any, newStatus ApprovalStatus,
	) (*Tool, error)
	// SetToolEnabled enables or disables a tool. Enabling a tool whose
	// approval status is not approved fails the precondition.
	SetToolEnabled(ctx context.Context, id string, enabled bool) error
	SetApprovalStatus(ctx context.Context, id string, status ApprovalStatus) error
	DeleteTool(ctx context.Context, id string) error
	ListVersions(ctx context.Context, toolID string, page Page) ([]*ToolVersion, int, error)
	GetVersion(ctx context.Context, toolID string, version int) (*ToolVersion, error)
}

// SecretStore persists per-server secret ciphertexts. Cleartext never
// crosses this interface.
type SecretStore interface {
	UpsertSecret(ctx context.Context, secret *ServerSecret) error
	GetSecret(ctx context.Context, serverID, keyName string) (*ServerSecret, error)
	ListSecrets(ctx context.Context, serverID string) ([]*ServerSecret, error)
	DeleteSecret(ctx context.Context, serverID, keyName string) error
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// CreateRequest inserts a pending request. A second pending request for
	// the same (kind, subject id, subject) fails with a conflict.
	CreateRequest(ctx context.Context, req *ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	ListRequests(ctx context.Context, kind RequestKind, status RequestStatus, page Page) ([]*ApprovalRequest, int, error)
	// TransitionRequest moves a request from one status to another, recording
	// the reviewer. It fails with a conflict when the request is no longer in
	// the expected state.
	TransitionRequest(ctx context.Context, id string, from, to RequestStatus, reviewedBy string) (*ApprovalRequest, error)
	// ResetSubjectRequests flips approved requests whose subject id matches
	// back to pending. Part of the reset that voids approvals on mutation.
	ResetSubjectRequests(ctx context.Context, subjectID string) error
}

// ExternalSourceStore persists external MCP sources.
type ExternalSourceStore interface {
	CreateSource(ctx context.Context, source *ExternalSource) error
	GetSource(ctx context.Context, id string) (*ExternalSource, error)
	ListSources(ctx context.Context, serverID string, page Page) ([]*ExternalSource, int, error)
	UpdateSource(ctx context.Context, source *ExternalSource) error
	DeleteSource(ctx context.Context, id string) error
	// SetDiscovered stores the tool list reported by the remote server.
	SetDiscovered(ctx context.Context, id string, tools []ExternalTool) error
	// SetOAuthArtifacts stores the encrypted refresh token and PKCE verifier.
	SetOAuthArtifacts(ctx context.Context, id, refreshCiphertext, verifierCiphertext string, authenticated bool) error
	SetAuthenticated(ctx context.Context, id string, authenticated bool) error
	SetSourceStatus(ctx context.Context, id, status string) error
}

// ExecutionFilter narrows execution-log listings. Zero fields match all.
type ExecutionFilter struct {
	ServerID string
	ToolID   string
	// Success filters by outcome when non-nil.
	Success *bool
}

// LogStore persists execution and activity logs.
type LogStore interface {
	AppendExecution(ctx context.Context, entry *ExecutionLog) error
	ListExecutions(ctx context.Context, filter ExecutionFilter, page Page) ([]*ExecutionLog, int, error)
	AppendActivity(ctx context.Context, entry *ActivityLog) error
	ListActivity(ctx context.Context, page Page) ([]*ActivityLog, int, error)
	// PruneLogs deletes execution and activity entries older than cutoff,
	// returning how many rows were removed.
	PruneLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingsStore is a small persisted key/value table for process-wide state
// (module allowlist, security policy).
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is the full persistence surface.
type Store interface {
	ServerStore
	ToolStore
	SecretStore
	ApprovalStore
	ExternalSourceStore
	LogStore
	SettingsStore

	Close() error
}
