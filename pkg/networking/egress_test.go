// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// stubTransport answers every request without touching the network.
type stubTransport struct {
	status int
	body   string
	calls  int
}

func (s *stubTransport) RoundTrip(*http.Request) (*http.Response, error) {
	s.calls++
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Header:     http.Header{},
	}, nil
}

func TestEgressIsolatedRefusesAll(t *testing.T) {
	t.Parallel()
	transport := &stubTransport{status: 200}
	client := NewEgressClient(transport, storage.NetworkIsolated, nil, time.Second, nil)

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	_, err := client.Do(req)
	assert.True(t, errors.IsSecurity(err))
	assert.Zero(t, transport.calls)
}

func TestEgressAllowlist(t *testing.T) {
	t.Parallel()
	transport := &stubTransport{status: 200, body: "ok"}
	client := NewEgressClient(transport, storage.NetworkAllowlist,
		[]string{"api.example.com", "db.example.com:5432"}, time.Second, nil)

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// host:port entries match only that port.
	req, _ = http.NewRequest(http.MethodGet, "http://db.example.com:5432/", nil)
	_, err = client.Do(req)
	require.NoError(t, err)

	req, _ = http.NewRequest(http.MethodGet, "http://db.example.com:9999/", nil)
	_, err = client.Do(req)
	assert.True(t, errors.IsSecurity(err))

	req, _ = http.NewRequest(http.MethodGet, "https://evil.example.com/", nil)
	_, err = client.Do(req)
	assert.True(t, errors.IsSecurity(err))
}

func TestEgressRecordsRequests(t *testing.T) {
	t.Parallel()
	transport := &stubTransport{status: 201, body: strings.Repeat("a", 2048)}

	var entries []RequestLogEntry
	client := NewEgressClient(transport, storage.NetworkAllowlist,
		[]string{"api.example.com"}, time.Second,
		func(e RequestLogEntry) { entries = append(entries, e) })

	req, _ := http.NewRequest(http.MethodPost, "https://api.example.com/create", nil)
	resp, err := client.Do(req)
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, http.MethodPost, entries[0].Method)
	assert.Equal(t, 201, entries[0].Status)
	assert.Len(t, entries[0].BodyPreview, BodyPreviewBytes)

	// The preview must not consume the body the caller reads.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 2048)
}

func TestEgressDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()
	transport := &stubTransport{status: http.StatusFound}
	client := NewEgressClient(transport, storage.NetworkAllowlist,
		[]string{"api.example.com"}, time.Second, nil)

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/", nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, 1, transport.calls)
}
