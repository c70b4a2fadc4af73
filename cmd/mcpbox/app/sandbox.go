// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/networking"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/sandbox/interp"
	"github.com/mcpbox/mcpbox/pkg/sandbox/registry"
	"github.com/mcpbox/mcpbox/pkg/sandbox/service"
	"github.com/mcpbox/mcpbox/pkg/storage/sqlite"
)

func newSandboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Run the sandbox service on its own",
		Long: `Runs only the sandbox execution service: the tool registry, the
interpreter pool and the token-guarded HTTP surface. Point the control plane
at it with sandbox.embedded=false and sandbox.url.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runSandbox(cmd.Context(), cfg)
		},
	}
}

func runSandbox(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The module allowlist lives in the control plane's database; the
	// standalone service reads it from the same file.
	store, err := sqlite.Open(ctx, sqlite.Options{
		Path:        cfg.DB.Path,
		BusyTimeout: time.Duration(cfg.DB.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	pol, err := policy.New(ctx, store)
	if err != nil {
		return err
	}

	svc, srv := buildSandboxService(cfg, pol, metrics.New())
	defer svc.Close()

	return serveHTTP(ctx, "sandbox service", srv)
}

// buildSandboxService assembles the registry, interpreter pool and HTTP
// surface; the caller owns svc.Close and serving.
func buildSandboxService(cfg *config.Config, gate interp.ModuleGate, m *metrics.Metrics) (*service.Service, *http.Server) {
	reg := registry.New()
	executor := interp.New(interp.Config{
		Workers:     cfg.Sandbox.Workers,
		CPUSeconds:  cfg.Sandbox.CPUS,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		FDCap:       cfg.Sandbox.FDCap,
		MaxWall:     time.Duration(cfg.Sandbox.MaxWallMS) * time.Millisecond,
		HTTPTimeout: time.Duration(cfg.HTTP.TimeoutS) * time.Second,
		Transport: networking.NewTransport(networking.TransportOptions{
			PoolSize:  cfg.HTTP.PoolSize,
			Keepalive: time.Duration(cfg.HTTP.KeepaliveS) * time.Second,
		}),
	}, gate)
	svc := service.New(reg, executor, cfg.ServiceToken, m)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Sandbox.Port),
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return svc, srv
}
