// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the admin HTTP server: the versioned REST routes,
// auth, rate limiting and the unauthenticated liveness endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	v1 "github.com/mcpbox/mcpbox/pkg/api/v1"
	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/external"
	"github.com/mcpbox/mcpbox/pkg/lifecycle"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/ratelimit"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/versions"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Deps carries everything the admin server serves. OAuth may be nil.
type Deps struct {
	Store         storage.Store
	Manager       *lifecycle.Manager
	Secrets       *secrets.Store
	Approvals     *approval.Engine
	Policy        *policy.Policy
	Authenticator *auth.Authenticator
	Issuer        *auth.Issuer
	OAuth         *external.OAuthFlow
	Metrics       *metrics.Metrics

	APILimiter   *ratelimit.Registry
	LoginLimiter *ratelimit.Registry

	// LogRetention prunes execution/activity logs older than this; zero
	// disables the GC loop.
	LogRetention time.Duration
}

// Router builds the full admin handler.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(middlewareTimeout))

	// Unauthenticated liveness and build info.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/version", apierrors.ErrorHandler(func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(versions.GetVersionInfo())
	}))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	rateDrop := func(bucket string) {
		if deps.Metrics != nil {
			deps.Metrics.RateLimitDrops.WithLabelValues(bucket).Inc()
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(deps.LoginLimiter.Middleware(rateDrop))
			r.Mount("/auth", v1.AuthRouter(deps.Authenticator, deps.Issuer))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.APILimiter.Middleware(rateDrop))
			r.Use(auth.RequireAdmin(deps.Issuer))
			r.Mount("/servers", v1.ServerRouter(deps.Manager, deps.Store, deps.Secrets, deps.Approvals))
			r.Mount("/tools", v1.ToolRouter(deps.Manager, deps.Store))
			r.Mount("/approvals", v1.ApprovalRouter(deps.Approvals))
			r.Mount("/settings", v1.SettingsRouter(deps.Store, deps.Policy))
			r.Mount("/external-sources", v1.SourceRouter(deps.Manager, deps.Store, deps.OAuth))
			r.Mount("/logs", v1.LogRouter(deps.Store))
		})
	})

	return r
}

// Server runs the admin API with graceful shutdown and the log-retention
// GC loop.
type Server struct {
	deps Deps
	srv  *http.Server
}

// NewServer builds the listener on the given address.
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		deps: deps,
		srv: &http.Server{
			Addr:              addr,
			Handler:           Router(deps),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Serve blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.deps.LogRetention > 0 {
		go s.retentionLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("admin API listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// retentionLoop prunes old logs once at start and then daily.
func (s *Server) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	prune := func() {
		cutoff := time.Now().Add(-s.deps.LogRetention)
		removed, err := s.deps.Store.PruneLogs(ctx, cutoff)
		if err != nil {
			logger.Warnw("log retention prune failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Infow("pruned old logs", "rows", removed, "cutoff", cutoff)
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
