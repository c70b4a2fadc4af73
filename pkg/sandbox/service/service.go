// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package service exposes the sandbox over HTTP: tool registration,
// invocation, and liveness. Every mutating route requires the shared service
// token; the registry and executor do the real work.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/ratelimit"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/sandbox/registry"
	"github.com/mcpbox/mcpbox/pkg/validation"
)

// ResultCapBytes caps the serialized result and the captured stdout returned
// to callers. Anything beyond it is cut and flagged via Truncated.
const ResultCapBytes = 10 * 1024

// Rate limits for the service's two sensitive paths.
const (
	tokenFailRPM   = 10
	tokenFailBurst = 10
	invokeRPM      = 60
	invokeBurst    = 10
)

// Invoker runs one registered tool. The interpreter executor implements it;
// tests substitute stubs.
type Invoker interface {
	Execute(
		ctx context.Context,
		artifact *registry.Artifact,
		entry *registry.ServerEntry,
		args map[string]any,
	) *sandbox.ExecuteResponse
}

// Service is the sandbox HTTP façade.
type Service struct {
	registry *registry.Registry
	invoker  Invoker
	token    []byte
	metrics  *metrics.Metrics

	tokenFail *ratelimit.Registry
	invoke    *ratelimit.Registry
}

// New creates the service. The token must be non-empty; without it every
// mutating call is refused.
func New(reg *registry.Registry, invoker Invoker, token string, m *metrics.Metrics) *Service {
	return &Service{
		registry:  reg,
		invoker:   invoker,
		token:     []byte(token),
		metrics:   m,
		tokenFail: ratelimit.NewRegistry(ratelimit.BucketTokenFail, tokenFailRPM, tokenFailBurst),
		invoke:    ratelimit.NewRegistry(ratelimit.BucketInvoke, invokeRPM, invokeBurst),
	}
}

// Close stops the limiter sweepers.
func (s *Service) Close() {
	s.tokenFail.Close()
	s.invoke.Close()
}

// Router builds the service's routes. /health is open; everything else sits
// behind the service token.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.getHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/execute", apierrors.ErrorHandler(s.postExecute))
		r.Post("/servers/{id}/register", apierrors.ErrorHandler(s.postRegister))
		r.Post("/servers/{id}/unregister", apierrors.ErrorHandler(s.postUnregister))
	})

	return r
}

// requireToken compares the request's service token under constant time.
// Failures count toward the token_fail bucket so an attacker cannot probe
// the token at line rate.
func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(sandbox.ServiceTokenHeader))
		if len(s.token) > 0 && subtle.ConstantTimeCompare(got, s.token) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		s.metrics.TokenFailures.Inc()
		ip := ratelimit.ClientIP(r)
		if !s.tokenFail.Allow(ip) {
			s.metrics.RateLimitDrops.WithLabelValues(ratelimit.BucketTokenFail).Inc()
			w.Header().Set("Retry-After", "60")
			apierrors.WriteError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		apierrors.WriteError(w, "invalid service token", http.StatusUnauthorized)
	})
}

func (s *Service) getHealth(w http.ResponseWriter, _ *http.Request) {
	servers, tools := s.registry.Counts()
	writeJSON(w, http.StatusOK, sandbox.HealthResponse{
		Status:  "ok",
		Servers: servers,
		Tools:   tools,
	})
}

func (s *Service) postExecute(w http.ResponseWriter, r *http.Request) error {
	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return errors.NewValidationError("invalid request body", err)
	}
	if req.ServerID == "" || req.ToolName == "" {
		return errors.NewValidationError("server_id and tool_name are required", nil)
	}

	if !s.invoke.Allow(req.ServerID) {
		s.metrics.RateLimitDrops.WithLabelValues(ratelimit.BucketInvoke).Inc()
		return errors.NewRateLimitedError("invocation rate limit exceeded", nil)
	}

	artifact, entry, err := s.registry.Lookup(req.ServerID, req.ToolName)
	if err != nil {
		return err
	}

	if err := validateArgs(artifact.InputSchema, req.Args); err != nil {
		return err
	}

	if req.TimeoutMS > 0 {
		override := *artifact
		override.TimeoutMS = req.TimeoutMS
		artifact = &override
	}

	resp := s.invoker.Execute(r.Context(), artifact, entry, req.Args)
	capResponse(resp)

	outcome := "success"
	if !resp.Success {
		outcome = string(resp.ErrorKind)
	}
	s.metrics.Invocations.WithLabelValues(req.ServerID, req.ToolName, outcome).Inc()
	s.metrics.InvocationTime.WithLabelValues(req.ServerID, req.ToolName).
		Observe(float64(resp.DurationMs) / 1000.0)

	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Service) postRegister(w http.ResponseWriter, r *http.Request) error {
	serverID := chi.URLParam(r, "id")

	var req sandbox.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return errors.NewValidationError("invalid request body", err)
	}

	tools := make(map[string]*registry.Artifact, len(req.Tools))
	for _, spec := range req.Tools {
		if spec.Name == "" {
			return errors.NewValidationError("tool name is required", nil)
		}
		if _, dup := tools[spec.Name]; dup {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate tool name %q", spec.Name), nil)
		}
		// Refuse broken sources at the door; the executor re-validates on
		// every invocation anyway.
		if res := validation.Validate(spec.Source); !res.Valid {
			msg := "source failed validation"
			if len(res.Failures) > 0 {
				msg = res.Failures[0].Message
			}
			return errors.NewValidationError(
				fmt.Sprintf("tool %q: %s", spec.Name, msg), nil)
		}
		tools[spec.Name] = &registry.Artifact{
			Name:        spec.Name,
			Source:      spec.Source,
			InputSchema: spec.InputSchema,
			TimeoutMS:   spec.TimeoutMS,
			Serialize:   spec.Serialize,
		}
	}

	s.registry.Register(serverID, &registry.ServerEntry{
		NetworkMode:  req.NetworkMode,
		AllowedHosts: req.AllowedHosts,
		Secrets:      req.Secrets,
		Tools:        tools,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": serverID,
		"tools":     len(tools),
	})
	return nil
}

func (s *Service) postUnregister(w http.ResponseWriter, r *http.Request) error {
	s.registry.Unregister(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// validateArgs checks args against the tool's JSON schema when one exists.
func validateArgs(schema, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return errors.NewValidationError("input schema is not valid", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return errors.NewValidationError(
			fmt.Sprintf("invalid arguments: %s", first.String()), nil)
	}
	return nil
}

// capResponse enforces the result and stdout size caps on the way out.
func capResponse(resp *sandbox.ExecuteResponse) {
	if len(resp.Stdout) > ResultCapBytes {
		resp.Stdout = resp.Stdout[:ResultCapBytes]
		resp.Truncated = true
	}
	if resp.Result == nil {
		return
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil || len(raw) <= ResultCapBytes {
		return
	}
	resp.Result = string(raw[:ResultCapBytes])
	resp.Truncated = true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
