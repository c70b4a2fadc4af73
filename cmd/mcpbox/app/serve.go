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
	"golang.org/x/sync/errgroup"

	"github.com/mcpbox/mcpbox/pkg/api"
	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/external"
	"github.com/mcpbox/mcpbox/pkg/gateway"
	"github.com/mcpbox/mcpbox/pkg/lifecycle"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/metrics"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/ratelimit"
	"github.com/mcpbox/mcpbox/pkg/recovery"
	sandboxclient "github.com/mcpbox/mcpbox/pkg/sandbox/client"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/storage/sqlite"
	"github.com/mcpbox/mcpbox/pkg/versions"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mcpbox control plane",
		Long: `Runs the admin API, the MCP gateway and (by default) the embedded
sandbox service in one process. Servers recorded as running are re-registered
with the sandbox before the listeners come up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infow("starting mcpbox", "version", versions.GetVersionInfo().Version)

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, sqlite.Options{
		Path:        cfg.DB.Path,
		BusyTimeout: time.Duration(cfg.DB.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	pol, err := policy.New(ctx, store)
	if err != nil {
		return err
	}
	secretStore := secrets.NewStore(masterKey, store)
	engine := approval.New(store, pol)

	group, ctx := errgroup.WithContext(ctx)

	// Sandbox: embedded service in this process, or an external one.
	if cfg.Sandbox.Embedded {
		svc, srv := buildSandboxService(cfg, pol, m)
		defer svc.Close()
		group.Go(func() error { return serveHTTP(ctx, "sandbox service", srv) })
	}
	sbClient, err := sandboxclient.New(sandboxclient.Config{
		BaseURL:      cfg.SandboxBaseURL(),
		Token:        cfg.ServiceToken,
		TotalTimeout: time.Duration(cfg.Sandbox.MaxWallMS)*time.Millisecond + 5*time.Second,
	})
	if err != nil {
		return err
	}

	// External MCP client pool and OAuth flow.
	redirectURL := fmt.Sprintf("http://%s:%d/api/v1/external-sources/oauth/callback",
		cfg.Host, cfg.Port)
	oauthFlow := external.NewOAuthFlow(store, secretStore, redirectURL)
	pool := external.NewPool(external.Config{
		SessionIdle: time.Duration(cfg.External.SessionIdleM) * time.Minute,
		MaxSessions: cfg.External.MaxSessions,
		MaxHops:     cfg.External.MaxHops,
	}, store, secretStore, oauthFlow, m)
	defer pool.Close()

	// Gateway.
	gw := gateway.New(gateway.Config{
		Name:        "mcpbox",
		Version:     versions.GetVersionInfo().Version,
		ToolPrefix:  cfg.Gateway.ToolPrefix,
		SessionTTL:  time.Duration(cfg.Gateway.SessionTTLM) * time.Minute,
		MaxSessions: cfg.Gateway.MaxSessions,
	}, store, secretStore, sbClient, pool, m)
	defer gw.Close()

	manager := lifecycle.New(store, secretStore, sbClient, engine, gw, pool)
	engine.SetListener(manager.OnApprovalResolved)

	// Recover sandbox registrations before the gateway starts serving.
	if err := recovery.New(recovery.Config{}, store, manager).Run(ctx); err != nil {
		return err
	}
	if err := gw.SyncTools(ctx); err != nil {
		return err
	}

	gatewayHandler, err := buildGatewayHandler(ctx, cfg, store, gw)
	if err != nil {
		return err
	}
	gatewaySrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Gateway.Port),
		Handler:           gatewayHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error { return serveHTTP(ctx, "mcp gateway", gatewaySrv) })

	// Admin API.
	authenticator, err := auth.NewAuthenticator(cfg.Admin.Username, cfg.Admin.PasswordHash)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer([]byte(cfg.JWTSigningKey),
		time.Duration(cfg.JWT.AccessExpiryM)*time.Minute,
		time.Duration(cfg.JWT.RefreshExpiryH)*time.Hour)
	if err != nil {
		return err
	}
	apiLimiter := ratelimit.NewRegistry("api", cfg.RateLimit.APIRPM, 20)
	loginLimiter := ratelimit.NewRegistry("login", cfg.RateLimit.LoginRPM, cfg.RateLimit.LoginRPM)
	defer apiLimiter.Close()
	defer loginLimiter.Close()

	adminSrv := api.NewServer(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), api.Deps{
		Store:         store,
		Manager:       manager,
		Secrets:       secretStore,
		Approvals:     engine,
		Policy:        pol,
		Authenticator: authenticator,
		Issuer:        issuer,
		OAuth:         oauthFlow,
		Metrics:       m,
		APILimiter:    apiLimiter,
		LoginLimiter:  loginLimiter,
		LogRetention:  time.Duration(cfg.LogRetentionDays) * 24 * time.Hour,
	})
	group.Go(func() error { return adminSrv.Serve(ctx) })

	return group.Wait()
}

// buildGatewayHandler wraps the MCP handler with the remote-mode identity
// guard when configured.
func buildGatewayHandler(
	ctx context.Context, cfg *config.Config, store storage.Store, gw *gateway.Gateway,
) (http.Handler, error) {
	if !cfg.Gateway.RemoteMode {
		return gw.Handler(), nil
	}
	verifier, err := auth.NewIdentityVerifier(ctx, auth.IdentityVerifierConfig{
		JWKSURL:  cfg.Gateway.IdentityJWKSURL,
		Issuer:   cfg.Gateway.IdentityIssuer,
		Audience: cfg.Gateway.IdentityAudience,
	})
	if err != nil {
		return nil, err
	}
	guard := gateway.NewRemoteGuard(verifier, gateway.DefaultAssertionHeader,
		func(ctx context.Context) (*storage.SecurityPolicy, error) {
			return storage.LoadSecurityPolicy(ctx, store)
		})
	return guard.Middleware(gw.Handler()), nil
}

// serveHTTP runs one listener until ctx cancels, then shuts it down.
func serveHTTP(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow(name+" listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
