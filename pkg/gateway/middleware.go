// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// DefaultAssertionHeader is where the fronting proxy forwards the caller's
// identity assertion in remote mode.
const DefaultAssertionHeader = "X-Forwarded-Access-Token"

// maxRPCBody caps how much request body the guard buffers to sniff the
// JSON-RPC method.
const maxRPCBody = 4 << 20

// PolicyLoader fetches the current security policy. Loaded per request so
// admin edits take effect without a restart.
type PolicyLoader func(ctx context.Context) (*storage.SecurityPolicy, error)

// RemoteGuard authorizes remote-mode MCP traffic: it re-verifies the
// forwarded identity assertion and applies the security policy to every
// JSON-RPC method except the handshake. Refusals are JSON-RPC error
// envelopes so MCP clients surface them instead of choking on plain HTTP.
type RemoteGuard struct {
	verifier *auth.IdentityVerifier
	header   string
	policy   PolicyLoader
}

// NewRemoteGuard builds the guard. header defaults to
// DefaultAssertionHeader.
func NewRemoteGuard(verifier *auth.IdentityVerifier, header string, policy PolicyLoader) *RemoteGuard {
	if header == "" {
		header = DefaultAssertionHeader
	}
	return &RemoteGuard{verifier: verifier, header: header, policy: policy}
}

// Middleware wraps the MCP transport handler.
func (g *RemoteGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// GET opens the SSE stream and DELETE ends the session; both are
		// transport-level and already bound to a validated session id.
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		method := gjson.GetBytes(body, "method").String()
		if method == "initialize" || method == "ping" ||
			strings.HasPrefix(method, "notifications/") {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimSpace(r.Header.Get(g.header))
		raw = strings.TrimPrefix(raw, "Bearer ")
		if raw == "" {
			writeRefusal(w, body, "authentication required")
			return
		}

		identity, err := g.verifier.Verify(r.Context(), raw)
		if err != nil {
			writeRefusal(w, body, "invalid identity assertion")
			return
		}
		if identity.Email == "" {
			writeRefusal(w, body, "identity assertion has no verified email")
			return
		}

		policy, err := g.policy(r.Context())
		if err != nil {
			logger.Errorw("failed to load security policy", "error", err)
			http.Error(w, "security policy unavailable", http.StatusInternalServerError)
			return
		}
		if !policy.Permits(identity.Email) {
			writeRefusal(w, body, "caller is not permitted by the security policy")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// writeRefusal answers with a JSON-RPC error envelope carrying the original
// request id.
func writeRefusal(w http.ResponseWriter, body []byte, msg string) {
	resp := &jsonrpc2.Response{
		ID:    requestID(gjson.GetBytes(body, "id")),
		Error: jsonrpc2.NewError(http.StatusForbidden, msg),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorw("failed to encode refusal", "error", err)
	}
}

func requestID(id gjson.Result) jsonrpc2.ID {
	switch id.Type {
	case gjson.String:
		return jsonrpc2.StringID(id.Str)
	case gjson.Number:
		return jsonrpc2.Int64ID(id.Int())
	default:
		return jsonrpc2.ID{}
	}
}
