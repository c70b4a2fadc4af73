// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

func entryWithTools(names ...string) *ServerEntry {
	tools := make(map[string]*Artifact, len(names))
	for _, name := range names {
		tools[name] = &Artifact{Source: "def main():\n    return 1\n"}
	}
	return &ServerEntry{
		NetworkMode: storage.NetworkIsolated,
		Tools:       tools,
	}
}

func TestRegisterReplacesWholeSet(t *testing.T) {
	t.Parallel()
	r := New()

	r.Register("s1", entryWithTools("a", "b"))
	assert.Equal(t, []string{"a", "b"}, r.ListByServer("s1"))

	r.Register("s1", entryWithTools("c"))
	assert.Equal(t, []string{"c"}, r.ListByServer("s1"))

	_, _, err := r.Lookup("s1", "a")
	assert.True(t, errors.IsNotFound(err))

	artifact, entry, err := r.Lookup("s1", "c")
	require.NoError(t, err)
	assert.Equal(t, "s1", artifact.ServerID)
	assert.Equal(t, "c", artifact.Name)
	assert.Equal(t, storage.NetworkIsolated, entry.NetworkMode)
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("s1", entryWithTools("a"))

	r.Unregister("s1")
	_, _, err := r.Lookup("s1", "a")
	assert.True(t, errors.IsNotFound(err))
	assert.Nil(t, r.ListByServer("s1"))

	// Idempotent.
	r.Unregister("s1")
}

func TestCounts(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("s1", entryWithTools("a", "b"))
	r.Register("s2", entryWithTools("c"))

	servers, tools := r.Counts()
	assert.Equal(t, 2, servers)
	assert.Equal(t, 3, tools)
}

func TestChangeListenerFires(t *testing.T) {
	t.Parallel()
	r := New()
	var notified []string
	r.SetChangeListener(func(serverID string) { notified = append(notified, serverID) })

	r.Register("s1", entryWithTools("a"))
	r.Unregister("s1")
	r.Unregister("s1") // no-op, no notification

	assert.Equal(t, []string{"s1", "s1"}, notified)
}
