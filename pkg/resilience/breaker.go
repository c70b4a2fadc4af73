// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the circuit breaker guarding calls from the
// control plane to the sandbox service.
package resilience

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// State is the breaker state.
type State int

// Breaker states.
const (
	// StateClosed lets requests through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen fails fast without calling the backend.
	StateOpen
	// StateHalfOpen lets a bounded number of probes through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures is how many failures in a row trip the breaker.
	ConsecutiveFailures int
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenRequests is how many probe requests half-open admits.
	HalfOpenRequests int
}

// DefaultBreakerConfig matches the sandbox client defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenDuration:        60 * time.Second,
		HalfOpenRequests:    1,
	}
}

// Breaker implements the circuit breaker pattern around an unreliable
// backend. A PermanentError from the work function passes through without
// counting as a backend failure.
type Breaker struct {
	mutex sync.Mutex

	state        State
	failures     int
	openTime     time.Time
	halfOpenHits int

	config BreakerConfig
	// now is replaceable for tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.ConsecutiveFailures <= 0 {
		config.ConsecutiveFailures = 5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 60 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 1
	}
	return &Breaker{config: config, state: StateClosed, now: time.Now}
}

// Reset forces the breaker back to closed. It is the only way to short-
// circuit an open breaker from outside.
func (b *Breaker) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenHits = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Execute runs work unless the breaker is open. When open it fails fast with
// a rate-limited error the gateway maps to "temporarily unavailable".
func (b *Breaker) Execute(work func() error) error {
	b.mutex.Lock()

	if b.state == StateOpen {
		if b.now().Sub(b.openTime) > b.config.OpenDuration {
			b.state = StateHalfOpen
			b.halfOpenHits = 0
		} else {
			b.mutex.Unlock()
			return errors.NewUpstreamError("sandbox circuit breaker is open", nil)
		}
	}

	if b.state == StateHalfOpen {
		if b.halfOpenHits >= b.config.HalfOpenRequests {
			b.mutex.Unlock()
			return errors.NewUpstreamError("sandbox circuit breaker is open", nil)
		}
		b.halfOpenHits++
	}

	b.mutex.Unlock()

	err := work()
	if err != nil {
		var permanent *PermanentError
		if stderrors.As(err, &permanent) {
			// The backend answered; the answer just happens to be an error.
			return permanent.Err
		}

		b.mutex.Lock()
		b.onFailure()
		b.mutex.Unlock()
		return err
	}

	b.mutex.Lock()
	b.onSuccess()
	b.mutex.Unlock()
	return nil
}

func (b *Breaker) onSuccess() {
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenHits = 0
	}
	b.failures = 0
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateOpen:
	case StateHalfOpen:
		b.state = StateOpen
		b.openTime = b.now()
	default:
		b.failures++
		if b.failures >= b.config.ConsecutiveFailures {
			b.state = StateOpen
			b.openTime = b.now()
		}
	}
}

// PermanentError wraps an error that reflects the request, not the backend's
// health. The breaker unwraps and forwards it without counting a failure.
type PermanentError struct {
	Err error
}

// Permanent marks err as a non-breaker failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }
