// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

var errBackend = stderrors.New("backend down")

func failingBreaker(t *testing.T, clock *fakeClock) *Breaker {
	t.Helper()
	b := NewBreaker(BreakerConfig{
		ConsecutiveFailures: 3,
		OpenDuration:        time.Minute,
		HalfOpenRequests:    1,
	})
	b.now = clock.Now
	return b
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Now()}
	b := failingBreaker(t, clock)

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Execute(func() error { return errBackend })
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open fails fast without calling the work function.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.True(t, errors.IsUpstream(err))
	assert.False(t, called)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Now()}
	b := failingBreaker(t, clock)

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
	require.NoError(t, b.Execute(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Now()}
	b := failingBreaker(t, clock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
	require.Equal(t, StateOpen, b.State())

	// After the open window one probe goes through; success closes.
	clock.Advance(time.Minute + time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Now()}
	b := failingBreaker(t, clock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
	clock.Advance(time.Minute + time.Second)

	err := b.Execute(func() error { return errBackend })
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerResetClosesFromOpen(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Now()}
	b := failingBreaker(t, clock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBackend })
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
}

func TestBreakerPermanentErrorDoesNotCount(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Now()}
	b := failingBreaker(t, clock)

	bad := errors.NewValidationError("bad args", nil)
	for i := 0; i < 10; i++ {
		err := b.Execute(func() error { return Permanent(bad) })
		// The wrapped error comes back unwrapped.
		assert.True(t, errors.IsValidation(err))
	}
	assert.Equal(t, StateClosed, b.State())
}
