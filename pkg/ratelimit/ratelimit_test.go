// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

func TestRegistryAllowsBurstThenRefuses(t *testing.T) {
	t.Parallel()
	r := NewRegistry(BucketLogin, 5, 3)
	defer r.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow("1.2.3.4"), "request %d should pass", i)
	}
	assert.False(t, r.Allow("1.2.3.4"))

	// Other keys have their own bucket.
	assert.True(t, r.Allow("5.6.7.8"))

	err := r.Check("1.2.3.4")
	assert.True(t, errors.IsRateLimited(err))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	r := NewRegistry(BucketAPI, 60, 2)
	defer r.Close()

	var drops int
	handler := r.Middleware(func(string) { drops++ })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusNoContent, do().Code)
	require.Equal(t, http.StatusNoContent, do().Code)

	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, drops)
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.RemoteAddr = "noport"
	assert.Equal(t, "noport", ClientIP(req))
}
