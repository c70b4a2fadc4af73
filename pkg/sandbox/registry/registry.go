// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the sandbox's in-memory view of registered servers:
// which tools exist, their compiled form, and the egress posture they run
// under. The control plane replaces a server's entry wholesale; invocations
// only ever read.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// Artifact is one registered tool: the submitted source (re-validated and
// normalized on every invocation) plus the derived schema and limits.
type Artifact struct {
	ServerID    string
	Name        string
	Source      string
	InputSchema map[string]any
	TimeoutMS   int
	Serialize   bool
}

// ServerEntry is everything the executor needs about one server.
type ServerEntry struct {
	NetworkMode  storage.NetworkMode
	AllowedHosts []string
	Secrets      map[string]string
	Tools        map[string]*Artifact
}

// ChangeListener observes registry mutations. The gateway's change notifier
// hangs off this hook.
type ChangeListener func(serverID string)

// Registry is the concurrent server → tool map.
type Registry struct {
	mu       sync.RWMutex
	servers  map[string]*ServerEntry
	listener ChangeListener
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{servers: make(map[string]*ServerEntry)}
}

// SetChangeListener registers the mutation hook. Must be called before the
// registry is shared.
func (r *Registry) SetChangeListener(l ChangeListener) {
	r.listener = l
}

// Register replaces a server's entry atomically. A reader either sees the
// whole previous set or the whole new one.
func (r *Registry) Register(serverID string, entry *ServerEntry) {
	if entry.Tools == nil {
		entry.Tools = make(map[string]*Artifact)
	}
	for name, artifact := range entry.Tools {
		artifact.ServerID = serverID
		artifact.Name = name
	}

	r.mu.Lock()
	r.servers[serverID] = entry
	r.mu.Unlock()

	r.notify(serverID)
}

// Unregister removes a server. Unknown servers are a no-op so shutdown paths
// stay idempotent.
func (r *Registry) Unregister(serverID string) {
	r.mu.Lock()
	_, existed := r.servers[serverID]
	delete(r.servers, serverID)
	r.mu.Unlock()

	if existed {
		r.notify(serverID)
	}
}

// Lookup finds one tool and its server entry.
func (r *Registry) Lookup(serverID, toolName string) (*Artifact, *ServerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.servers[serverID]
	if !ok {
		return nil, nil, errors.NewNotFoundError(
			fmt.Sprintf("server %s is not registered", serverID), nil)
	}
	artifact, ok := entry.Tools[toolName]
	if !ok {
		return nil, nil, errors.NewNotFoundError(
			fmt.Sprintf("tool %q is not registered", toolName), nil)
	}
	return artifact, entry, nil
}

// ListByServer returns a server's tool names sorted.
func (r *Registry) ListByServer(serverID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.servers[serverID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(entry.Tools))
	for name := range entry.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts reports how many servers and tools are registered.
func (r *Registry) Counts() (servers, tools int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.servers {
		tools += len(entry.Tools)
	}
	return len(r.servers), tools
}

func (r *Registry) notify(serverID string) {
	if r.listener != nil {
		r.listener(serverID)
	}
}
