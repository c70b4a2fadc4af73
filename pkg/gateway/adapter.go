// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/pkg/gateway/session"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/metrics"
)

// sessionIDAdapter implements the SDK's SessionIdManager on top of the
// session table. The SDK owns the transport; session policy (TTL, LRU cap,
// tombstoned termination) lives in session.Manager.
type sessionIDAdapter struct {
	sessions *session.Manager
	notifier *Notifier
	metrics  *metrics.Metrics
}

// Generate mints a session id and registers it. UUID collisions are
// vanishingly rare, so one retry is plenty; an empty id on double failure
// surfaces as a transport error rather than a panic.
func (a *sessionIDAdapter) Generate() string {
	for range 2 {
		id := uuid.NewString()
		if err := a.sessions.Add(id); err == nil {
			a.metrics.LiveSessions.Inc()
			return id
		}
	}
	logger.Errorw("failed to register a fresh session id")
	return ""
}

// Validate refreshes the session. The boolean reports explicit termination;
// an error means the id was never issued or has been collected.
func (a *sessionIDAdapter) Validate(sessionID string) (bool, error) {
	exists, terminated := a.sessions.Touch(sessionID)
	if !exists {
		return false, fmt.Errorf("unknown session %s", sessionID)
	}
	return terminated, nil
}

// Terminate handles the client's DELETE. Termination is always allowed.
func (a *sessionIDAdapter) Terminate(sessionID string) (bool, error) {
	if a.sessions.Terminate(sessionID) {
		a.metrics.LiveSessions.Dec()
		a.notifier.forget(sessionID)
	}
	return false, nil
}
