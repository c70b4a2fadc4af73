// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package interp

import (
	"fmt"
	"sync"
)

// Caps are the resource limits one invocation runs under.
type Caps struct {
	// MaxSteps bounds interpreter work; derived from the configured CPU
	// budget times the steps-per-second calibration constant.
	MaxSteps uint64
	// MemoryBytes bounds bytes guest code pulls in through capabilities.
	MemoryBytes int64
	// FDCap bounds concurrent open network bodies.
	FDCap int
}

// StepsPerSecond calibrates CPU seconds to interpreter steps. Measured order
// of magnitude for the tree-walking interpreter on current hardware.
const StepsPerSecond = 5_000_000

// cancelTimeout and cancelSteps are the reasons the thread is cancelled
// with; error mapping keys off them.
const (
	cancelTimeout = "wall clock exceeded"
)

// httpLogCap bounds how many outbound requests one invocation reports back;
// anything beyond it is still logged at debug level but not persisted.
const httpLogCap = 64

// memoryError marks a memory budget breach.
type memoryError struct{ what string }

func (e *memoryError) Error() string {
	return fmt.Sprintf("memory limit exceeded by %s", e.what)
}

// fdError marks an fd cap breach.
type fdError struct{ cap int }

func (e *fdError) Error() string {
	return fmt.Sprintf("too many concurrent network requests (limit %d)", e.cap)
}

// memBudget tracks capability-sourced allocations for one invocation. The
// interpreter itself has no allocation hook, so the budget covers the only
// paths that can pull unbounded data into the process: network bodies and
// decoded JSON.
type memBudget struct {
	mu        sync.Mutex
	remaining int64
}

func newMemBudget(limit int64) *memBudget {
	return &memBudget{remaining: limit}
}

func (m *memBudget) charge(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining -= int64(n)
	if m.remaining < 0 {
		return &memoryError{what: "fetched data"}
	}
	return nil
}

// fdGauge counts concurrent open bodies. Non-blocking: exceeding the cap is
// an error, not a wait, so guest code cannot stall a worker on its own cap.
type fdGauge struct {
	mu   sync.Mutex
	open int
	cap  int
}

func newFDGauge(cap int) *fdGauge {
	return &fdGauge{cap: cap}
}

func (g *fdGauge) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open >= g.cap {
		return &fdError{cap: g.cap}
	}
	g.open++
	return nil
}

func (g *fdGauge) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open--
}
