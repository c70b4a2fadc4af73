// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package external

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// pendingAuth is what BeginAuth persists (encrypted) until the callback.
type pendingAuth struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// OAuthFlow drives the PKCE authorization-code flow for external sources.
// Authorization happens in an admin's browser; the flow only mints URLs and
// exchanges codes.
type OAuthFlow struct {
	store       SourceStore
	secrets     *secrets.Store
	redirectURL string

	// metadata per source URL is cached for the process lifetime.
	mu   sync.Mutex
	meta map[string]*AuthServerMetadata
}

// NewOAuthFlow builds the flow. redirectURL is the admin API callback.
func NewOAuthFlow(store SourceStore, secretStore *secrets.Store, redirectURL string) *OAuthFlow {
	return &OAuthFlow{
		store:       store,
		secrets:     secretStore,
		redirectURL: redirectURL,
		meta:        make(map[string]*AuthServerMetadata),
	}
}

func (f *OAuthFlow) metadata(ctx context.Context, source *storage.ExternalSource) (*AuthServerMetadata, error) {
	f.mu.Lock()
	if meta, ok := f.meta[source.URL]; ok {
		f.mu.Unlock()
		return meta, nil
	}
	f.mu.Unlock()

	meta, err := DiscoverAuthServer(ctx, source.URL)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.meta[source.URL] = meta
	f.mu.Unlock()
	return meta, nil
}

func (f *OAuthFlow) oauthConfig(meta *AuthServerMetadata, source *storage.ExternalSource) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    source.ClientID,
		RedirectURL: f.redirectURL,
		Scopes:      meta.ScopesSupported,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}
}

// BeginAuth discovers the authorization server and returns the URL the
// admin's browser must visit. The PKCE verifier and state are persisted
// encrypted so the callback can finish the exchange after a restart.
func (f *OAuthFlow) BeginAuth(ctx context.Context, sourceID string) (string, error) {
	source, err := f.store.GetSource(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if source.Auth != storage.AuthOAuth {
		return "", errors.NewPreconditionError("source does not use oauth", nil)
	}
	if source.ClientID == "" {
		return "", errors.NewPreconditionError("source has no oauth client id", nil)
	}

	meta, err := f.metadata(ctx, source)
	if err != nil {
		return "", err
	}

	// The state carries the source id so the shared callback endpoint can
	// route the exchange; the random suffix is the CSRF token.
	pending := pendingAuth{
		State:    sourceID + ":" + uuid.NewString(),
		Verifier: oauth2.GenerateVerifier(),
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return "", errors.NewInternalError("failed to encode oauth state", err)
	}
	verifierCiphertext, err := f.secrets.EncryptOAuthVerifier(sourceID, string(raw))
	if err != nil {
		return "", err
	}
	// Keep any existing refresh token; the new one replaces it only after a
	// successful exchange.
	if err := f.store.SetOAuthArtifacts(ctx, sourceID,
		source.RefreshTokenCiphertext, verifierCiphertext, source.Authenticated); err != nil {
		return "", err
	}

	cfg := f.oauthConfig(meta, source)
	return cfg.AuthCodeURL(pending.State, oauth2.S256ChallengeOption(pending.Verifier)), nil
}

// CompleteAuth exchanges the callback code, verifying state and using the
// persisted PKCE verifier, then stores the encrypted refresh token.
func (f *OAuthFlow) CompleteAuth(ctx context.Context, sourceID, code, state string) error {
	source, err := f.store.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if source.CodeVerifierCiphertext == "" {
		return errors.NewPreconditionError("no oauth flow in progress", nil)
	}

	raw, err := f.secrets.DecryptOAuthVerifier(sourceID, source.CodeVerifierCiphertext)
	if err != nil {
		return err
	}
	var pending pendingAuth
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return errors.NewInternalError("corrupt oauth state", err)
	}
	if state == "" || state != pending.State {
		return errors.NewSecurityError("oauth state mismatch", nil)
	}

	meta, err := f.metadata(ctx, source)
	if err != nil {
		return err
	}

	token, err := f.oauthConfig(meta, source).Exchange(ctx, code,
		oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return errors.NewUpstreamError("oauth code exchange failed", err)
	}
	if token.RefreshToken == "" {
		return errors.NewUpstreamError("authorization server returned no refresh token", nil)
	}

	refreshCiphertext, err := f.secrets.EncryptOAuthRefresh(sourceID, token.RefreshToken)
	if err != nil {
		return err
	}
	// The verifier is single-use; clearing it also ends the pending flow.
	return f.store.SetOAuthArtifacts(ctx, sourceID, refreshCiphertext, "", true)
}

// SourceIDFromState extracts the source id a BeginAuth state encodes.
func SourceIDFromState(state string) (string, error) {
	id, _, ok := strings.Cut(state, ":")
	if !ok || id == "" {
		return "", errors.NewValidationError("malformed oauth state", nil)
	}
	return id, nil
}

// Reset drops stored OAuth artifacts, forcing a fresh authorization.
func (f *OAuthFlow) Reset(ctx context.Context, sourceID string) error {
	return f.store.SetOAuthArtifacts(ctx, sourceID, "", "", false)
}

// tokenSource builds an auto-refreshing token source from the stored
// refresh token. A refresh failure marks the source unauthenticated so the
// admin UI can surface "needs auth".
func (f *OAuthFlow) tokenSource(ctx context.Context, source *storage.ExternalSource) (oauth2.TokenSource, error) {
	if !source.Authenticated || source.RefreshTokenCiphertext == "" {
		return nil, errors.NewSecurityError("external source needs authentication", nil)
	}
	refresh, err := f.secrets.DecryptOAuthRefresh(source.ID, source.RefreshTokenCiphertext)
	if err != nil {
		return nil, err
	}
	meta, err := f.metadata(ctx, source)
	if err != nil {
		return nil, err
	}

	base := f.oauthConfig(meta, source).TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	return &markingTokenSource{flow: f, sourceID: source.ID, base: base}, nil
}

// markingTokenSource marks the source unauthenticated when refresh fails.
type markingTokenSource struct {
	flow     *OAuthFlow
	sourceID string
	base     oauth2.TokenSource
}

func (s *markingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		logger.Warnw("oauth token refresh failed", "source", s.sourceID, "error", err)
		if markErr := s.flow.store.SetAuthenticated(context.Background(), s.sourceID, false); markErr != nil {
			logger.Errorw("failed to mark source unauthenticated", "source", s.sourceID, "error", markErr)
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return token, nil
}
