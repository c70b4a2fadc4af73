// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery restores sandbox registrations at boot. The sandbox
// holds its tool registry in memory, so after a restart every server the
// store still records as running must be re-registered before the gateway
// can serve its tools again.
package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// Defaults for the per-server retry schedule.
const (
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultDeadline        = 5 * time.Minute
)

// Registrar rebuilds and pushes one server's sandbox registration.
// lifecycle.Manager implements it.
type Registrar interface {
	RegisterServer(ctx context.Context, serverID string) error
}

// Store is the slice of persistence recovery needs.
type Store interface {
	ListServersByStatus(ctx context.Context, status storage.ServerStatus) ([]*storage.Server, error)
	UpdateServerStatus(ctx context.Context, id string, status storage.ServerStatus, message string) error
}

// Config tunes the retry schedule. Zero values take the defaults.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Deadline bounds the whole attempt per server; when it passes the
	// server is demoted to the error state.
	Deadline time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
}

// Recoverer re-registers running servers with the sandbox.
type Recoverer struct {
	cfg       Config
	store     Store
	registrar Registrar
}

// New builds a recoverer.
func New(cfg Config, store Store, registrar Registrar) *Recoverer {
	cfg.applyDefaults()
	return &Recoverer{cfg: cfg, store: store, registrar: registrar}
}

// Run recovers every server recorded as running. Servers recover in
// parallel and independently: one server exhausting its retries demotes
// only itself. The returned error reflects listing failures only.
func (r *Recoverer) Run(ctx context.Context) error {
	servers, err := r.store.ListServersByStatus(ctx, storage.ServerRunning)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		logger.Debugw("no running servers to recover")
		return nil
	}
	logger.Infow("recovering sandbox registrations", "servers", len(servers))

	group, ctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		group.Go(func() error {
			r.recoverOne(ctx, server)
			return nil
		})
	}
	return group.Wait()
}

// recoverOne retries one server's registration until it succeeds or the
// deadline passes, then demotes it with the last error as the stored
// message.
func (r *Recoverer) recoverOne(ctx context.Context, server *storage.Server) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval

	started := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.registrar.RegisterServer(ctx, server.ID)
		if err != nil {
			logger.Warnw("server recovery attempt failed",
				"server", server.ID, "name", server.Name, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(r.cfg.Deadline))

	if err == nil {
		logger.Infow("server recovered",
			"server", server.ID, "name", server.Name,
			"elapsed", time.Since(started).Round(time.Millisecond))
		return
	}

	logger.Errorw("server recovery exhausted, demoting to error",
		"server", server.ID, "name", server.Name, "error", err)
	message := "recovery failed: " + err.Error()
	if markErr := r.store.UpdateServerStatus(
		context.WithoutCancel(ctx), server.ID, storage.ServerError, message); markErr != nil {
		logger.Errorw("failed to demote unrecovered server",
			"server", server.ID, "error", markErr)
	}
}
