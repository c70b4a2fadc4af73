// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"

	"github.com/mcpbox/mcpbox/pkg/gateway/session"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/metrics"
)

// Notification method names the gateway pushes to clients.
const (
	methodToolsChanged      = "notifications/tools/list_changed"
	methodSessionTerminated = "notifications/session_terminated"
)

// notifyQueueSize bounds each session's pending frames. A session that
// cannot drain this many frames is either gone or wedged; further frames
// are dropped rather than blocking the mutator that produced them.
const notifyQueueSize = 32

type frame struct {
	method string
	params map[string]any
}

// NotificationSender is the slice of the MCP server the notifier writes
// through.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier fans server-side events out to live sessions. Each session gets
// a FIFO queue drained by one writer goroutine, so a slow client delays
// only its own frames and a mutation never waits on the network.
type Notifier struct {
	sender   NotificationSender
	sessions *session.Manager
	metrics  *metrics.Metrics

	mu     sync.Mutex
	queues map[string]chan frame
	closed bool
	wg     sync.WaitGroup
}

func newNotifier(sender NotificationSender, sessions *session.Manager, m *metrics.Metrics) *Notifier {
	return &Notifier{
		sender:   sender,
		sessions: sessions,
		metrics:  m,
		queues:   make(map[string]chan frame),
	}
}

// Broadcast enqueues one frame for every active session.
func (n *Notifier) Broadcast(method string, params map[string]any) {
	for _, id := range n.sessions.ActiveIDs() {
		n.enqueue(id, frame{method: method, params: params})
	}
}

// ToolsChanged tells every session to re-list tools.
func (n *Notifier) ToolsChanged() {
	n.Broadcast(methodToolsChanged, nil)
}

func (n *Notifier) enqueue(id string, f frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	ch, ok := n.queues[id]
	if !ok {
		ch = make(chan frame, notifyQueueSize)
		n.queues[id] = ch
		n.wg.Add(1)
		go n.write(id, ch)
	}
	select {
	case ch <- f:
	default:
		logger.Warnw("notification queue full, dropping frame",
			"session", id, "method", f.method)
	}
}

// write is the per-session writer. A failed write terminates the session:
// the transport is broken and every later frame would fail the same way.
func (n *Notifier) write(id string, ch chan frame) {
	defer n.wg.Done()
	for f := range ch {
		if err := n.sender.SendNotificationToSpecificClient(id, f.method, f.params); err != nil {
			logger.Warnw("notification write failed, terminating session",
				"session", id, "method", f.method, "error", err)
			if n.sessions.Terminate(id) {
				n.metrics.LiveSessions.Dec()
			}
			n.forget(id)
			return
		}
	}
}

// sessionEvicted is the session manager's eviction hook. The final
// session_terminated frame rides the existing queue so anything already
// enqueued still goes out first.
func (n *Notifier) sessionEvicted(id, reason string) {
	n.metrics.LiveSessions.Dec()

	params := map[string]any{"reason": reason}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	ch, ok := n.queues[id]
	if ok {
		select {
		case ch <- frame{method: methodSessionTerminated, params: params}:
		default:
		}
		delete(n.queues, id)
		close(ch)
	}
	n.mu.Unlock()

	if !ok {
		// No writer for this session yet; one best-effort direct write.
		if err := n.sender.SendNotificationToSpecificClient(id, methodSessionTerminated, params); err != nil {
			logger.Debugw("final session frame not delivered", "session", id, "error", err)
		}
	}
}

// forget drops a session's queue without a final frame.
func (n *Notifier) forget(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.queues[id]; ok {
		delete(n.queues, id)
		// The writer may still be draining; closing lets it finish and exit.
		close(ch)
	}
}

// Close stops every writer and waits for them.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for id, ch := range n.queues {
		delete(n.queues, id)
		close(ch)
	}
	n.mu.Unlock()
	n.wg.Wait()
}
