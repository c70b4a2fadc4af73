// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/networking"
)

// Well-known paths for OAuth metadata discovery.
const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownOAuthServer       = "/.well-known/oauth-authorization-server"
	wellKnownOIDC              = "/.well-known/openid-configuration"
)

// maxMetadataSize caps discovery documents. A well-known document bigger
// than this is not one.
const maxMetadataSize = 1024 * 1024

const discoveryTimeout = 10 * time.Second

// protectedResourceMetadata is the RFC 9728 document subset we need.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// AuthServerMetadata is the RFC 8414 document subset we need.
type AuthServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// DiscoverAuthServer resolves a source URL to its authorization server
// metadata: protected-resource metadata first (RFC 9728), then the
// advertised issuer's own metadata (RFC 8414, OIDC fallback).
func DiscoverAuthServer(ctx context.Context, sourceURL string) (*AuthServerMetadata, error) {
	origin, err := httpsOrigin(sourceURL)
	if err != nil {
		return nil, err
	}

	var resource protectedResourceMetadata
	if err := fetchMetadata(ctx, origin+wellKnownProtectedResource, &resource); err != nil {
		return nil, errors.NewUpstreamError("protected resource metadata discovery failed", err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, errors.NewUpstreamError("source advertises no authorization server", nil)
	}

	return discoverIssuer(ctx, resource.AuthorizationServers[0])
}

// discoverIssuer fetches RFC 8414 metadata for an issuer. Tenant paths are
// folded into the well-known URL per the RFC
// ({origin}/.well-known/oauth-authorization-server/{tenant}); the OIDC form
// ({issuer}/.well-known/openid-configuration) is the fallback.
func discoverIssuer(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, errors.NewValidationError("invalid issuer URL", err)
	}
	if err := requireHTTPS(issuerURL); err != nil {
		return nil, err
	}

	tenant := strings.Trim(issuerURL.EscapedPath(), "/")
	base := url.URL{Scheme: issuerURL.Scheme, Host: issuerURL.Host}

	oauthURL := base
	oauthURL.Path = path.Join(wellKnownOAuthServer, tenant)

	oidcURL := base
	oidcURL.Path = path.Join("/", tenant, wellKnownOIDC)

	var meta AuthServerMetadata
	oauthErr := fetchMetadata(ctx, oauthURL.String(), &meta)
	if oauthErr != nil || meta.TokenEndpoint == "" {
		if oidcErr := fetchMetadata(ctx, oidcURL.String(), &meta); oidcErr != nil {
			return nil, errors.NewUpstreamError("authorization server metadata discovery failed", oidcErr)
		}
	}

	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, errors.NewUpstreamError("authorization server metadata is incomplete", nil)
	}
	// The issuer claim must match where we fetched from.
	if strings.TrimSuffix(meta.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return nil, errors.NewSecurityError("issuer mismatch in authorization server metadata", nil)
	}
	return &meta, nil
}

func fetchMetadata(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", rawURL, resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		return fmt.Errorf("%s: unexpected content-type %q", rawURL, ct)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(out)
}

// httpsOrigin reduces a source URL to its scheme+host, enforcing HTTPS with
// the localhost exception.
func httpsOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", errors.NewValidationError("invalid source URL", err)
	}
	if err := requireHTTPS(u); err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

func requireHTTPS(u *url.URL) error {
	if u.Scheme != "https" && !networking.IsLocalhost(u.Host) {
		return errors.NewSecurityError(
			fmt.Sprintf("metadata endpoints must use HTTPS: %s", u.Host), nil)
	}
	return nil
}
