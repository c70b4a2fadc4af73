// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks live MCP sessions: TTL-based idle collection plus
// an LRU cap so a runaway client cannot hold the gateway's session table
// hostage. The SDK only sees Generate/Validate/Terminate through the
// gateway's adapter; all state lives here.
package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/logger"
)

// Eviction reasons handed to the OnEvict hook.
const (
	ReasonIdle    = "idle"
	ReasonEvicted = "evicted"
)

// Defaults.
const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxSessions = 256
)

type entry struct {
	id         string
	lastSeen   time.Time
	terminated bool
	elem       *list.Element
}

// Manager is the session table. Safe for concurrent use.
type Manager struct {
	ttl time.Duration
	max int

	mu       sync.Mutex
	sessions map[string]*entry
	// order is the LRU list; front is most recently used.
	order   *list.List
	onEvict func(id, reason string)

	done chan struct{}
	once sync.Once
}

// NewManager creates a manager and starts its idle sweeper.
func NewManager(ttl time.Duration, maxSessions int) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	m := &Manager{
		ttl:      ttl,
		max:      maxSessions,
		sessions: make(map[string]*entry),
		order:    list.New(),
		done:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

// SetOnEvict registers the eviction hook. The notifier uses it to send the
// final session_terminated frame. Must be called before the manager is
// shared.
func (m *Manager) SetOnEvict(f func(id, reason string)) {
	m.onEvict = f
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

// Add registers a new session. When the table is full the least recently
// used session is evicted first.
func (m *Manager) Add(id string) error {
	var evicted string

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return errors.NewConflictError("session id already exists", nil)
	}
	if len(m.sessions) >= m.max {
		if oldest := m.order.Back(); oldest != nil {
			evicted = oldest.Value.(string)
			m.removeLocked(evicted)
		}
	}
	e := &entry{id: id, lastSeen: time.Now()}
	e.elem = m.order.PushFront(id)
	m.sessions[id] = e
	m.mu.Unlock()

	if evicted != "" {
		logger.Infow("session evicted", "session", evicted, "reason", ReasonEvicted)
		m.notifyEvict(evicted, ReasonEvicted)
	}
	return nil
}

// Touch looks a session up, refreshing its recency. The second return
// reports explicit termination, so the transport can answer 404 for both
// unknown and terminated but tell them apart.
func (m *Manager) Touch(id string) (exists, terminated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return false, false
	}
	if e.terminated {
		return true, true
	}
	e.lastSeen = time.Now()
	m.order.MoveToFront(e.elem)
	return true, false
}

// Terminate marks a session terminated, reporting whether this call did the
// marking. The entry survives until the next sweep so Validate can
// distinguish "terminated" from "never existed".
func (m *Manager) Terminate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.terminated {
		return false
	}
	e.terminated = true
	return true
}

// Remove drops a session outright.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	m.removeLocked(id)
	m.mu.Unlock()
}

// ActiveIDs returns every non-terminated session id.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if !e.terminated {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len reports how many sessions are tracked, terminated included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) removeLocked(id string) {
	e, ok := m.sessions[id]
	if !ok {
		return
	}
	m.order.Remove(e.elem)
	delete(m.sessions, id)
}

func (m *Manager) sweep() {
	interval := m.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			var idle []string

			m.mu.Lock()
			for id, e := range m.sessions {
				if e.terminated || e.lastSeen.Before(cutoff) {
					if !e.terminated {
						idle = append(idle, id)
					}
					m.removeLocked(id)
				}
			}
			m.mu.Unlock()

			for _, id := range idle {
				logger.Infow("session evicted", "session", id, "reason", ReasonIdle)
				m.notifyEvict(id, ReasonIdle)
			}
		}
	}
}

func (m *Manager) notifyEvict(id, reason string) {
	if m.onEvict != nil {
		m.onEvict(id, reason)
	}
}
