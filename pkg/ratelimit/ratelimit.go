// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides keyed token-bucket limiters for the HTTP
// surfaces. A registry holds one limiter per key (client IP or principal),
// created lazily and swept when idle.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// Bucket names. Each bucket is an independent registry with its own rate.
const (
	BucketAPI       = "api"
	BucketLogin     = "login"
	BucketTokenFail = "token_fail"
	BucketInvoke    = "invoke"
)

// sweepAfter is how long an untouched limiter survives before the sweeper
// drops it.
const sweepAfter = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry is a set of per-key limiters sharing one rate.
type Registry struct {
	name  string
	rpm   int
	burst int

	mu      sync.Mutex
	entries map[string]*entry
	done    chan struct{}
	once    sync.Once
}

// NewRegistry creates a keyed limiter registry allowing rpm requests per
// minute with the given burst, and starts its sweeper.
func NewRegistry(name string, rpm, burst int) *Registry {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	r := &Registry{
		name:    name,
		rpm:     rpm,
		burst:   burst,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Close stops the sweeper.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// Allow reports whether key may proceed now.
func (r *Registry) Allow(key string) bool {
	return r.get(key).Allow()
}

// Check returns a rate-limit error when key may not proceed.
func (r *Registry) Check(key string) error {
	if r.Allow(key) {
		return nil
	}
	return errors.NewRateLimitedError("rate limit exceeded", nil)
}

func (r *Registry) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (r *Registry) sweep() {
	ticker := time.NewTicker(sweepAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-sweepAfter)
			r.mu.Lock()
			for key, e := range r.entries {
				if e.lastSeen.Before(cutoff) {
					delete(r.entries, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

// Middleware returns an HTTP middleware limiting by client IP. Refusals get
// a 429 with Retry-After.
func (r *Registry) Middleware(onDrop func(bucket string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.Allow(ClientIP(req)) {
				if onDrop != nil {
					onDrop(r.name)
				}
				w.Header().Set("Retry-After", strconv.Itoa(60/r.rpm+1))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// ClientIP extracts the remote IP, without the port.
func ClientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
