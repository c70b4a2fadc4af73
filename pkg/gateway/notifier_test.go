// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/gateway/session"
	"github.com/mcpbox/mcpbox/pkg/metrics"
)

type sentFrame struct {
	session string
	method  string
	params  map[string]any
}

// recordingSender records writes and can fail per session.
type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
	fail   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{fail: map[string]bool{}}
}

func (s *recordingSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[sessionID] {
		return fmt.Errorf("write to %s failed", sessionID)
	}
	s.frames = append(s.frames, sentFrame{session: sessionID, method: method, params: params})
	return nil
}

func (s *recordingSender) sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func newTestNotifier(t *testing.T) (*Notifier, *recordingSender, *session.Manager) {
	t.Helper()
	sender := newRecordingSender()
	sessions := session.NewManager(time.Minute, 8)
	n := newNotifier(sender, sessions, metrics.New())
	sessions.SetOnEvict(n.sessionEvicted)
	t.Cleanup(func() {
		n.Close()
		sessions.Close()
	})
	return n, sender, sessions
}

func TestBroadcastReachesActiveSessions(t *testing.T) {
	t.Parallel()
	n, sender, sessions := newTestNotifier(t)
	require.NoError(t, sessions.Add("s1"))
	require.NoError(t, sessions.Add("s2"))
	sessions.Terminate("s2")

	n.ToolsChanged()

	assert.Eventually(t, func() bool {
		frames := sender.sent()
		return len(frames) == 1 &&
			frames[0].session == "s1" &&
			frames[0].method == methodToolsChanged
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFramesStayOrderedPerSession(t *testing.T) {
	t.Parallel()
	n, sender, sessions := newTestNotifier(t)
	require.NoError(t, sessions.Add("s1"))

	for i := 0; i < 5; i++ {
		n.enqueue("s1", frame{method: fmt.Sprintf("notifications/n%d", i)})
	}

	require.Eventually(t, func() bool {
		return len(sender.sent()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	frames := sender.sent()
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("notifications/n%d", i), f.method)
	}
}

func TestFailedWriteTerminatesSession(t *testing.T) {
	t.Parallel()
	n, sender, sessions := newTestNotifier(t)
	require.NoError(t, sessions.Add("s1"))
	sender.mu.Lock()
	sender.fail["s1"] = true
	sender.mu.Unlock()

	n.ToolsChanged()

	assert.Eventually(t, func() bool {
		_, terminated := sessions.Touch("s1")
		return terminated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvictionSendsFinalFrame(t *testing.T) {
	t.Parallel()
	n, sender, sessions := newTestNotifier(t)
	require.NoError(t, sessions.Add("s1"))

	// Queue something first so the final frame provably comes last.
	n.enqueue("s1", frame{method: methodToolsChanged})
	sessions.Remove("s1")
	n.sessionEvicted("s1", session.ReasonEvicted)

	assert.Eventually(t, func() bool {
		frames := sender.sent()
		if len(frames) < 2 {
			return false
		}
		last := frames[len(frames)-1]
		return last.method == methodSessionTerminated &&
			last.params["reason"] == session.ReasonEvicted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvictionWithoutQueueWritesDirectly(t *testing.T) {
	t.Parallel()
	n, sender, _ := newTestNotifier(t)

	n.sessionEvicted("ghost", session.ReasonIdle)

	frames := sender.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, methodSessionTerminated, frames[0].method)
	assert.Equal(t, session.ReasonIdle, frames[0].params["reason"])
}
