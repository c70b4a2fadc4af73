// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/external"
	"github.com/mcpbox/mcpbox/pkg/lifecycle"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// SourceRoutes serves external MCP source management.
type SourceRoutes struct {
	manager *lifecycle.Manager
	store   storage.Store
	oauth   *external.OAuthFlow
}

// SourceRouter mounts the external-source endpoints. oauth may be nil when
// no source uses OAuth.
func SourceRouter(manager *lifecycle.Manager, store storage.Store, oauth *external.OAuthFlow) http.Handler {
	routes := SourceRoutes{manager: manager, store: store, oauth: oauth}
	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.listSources))
	r.Post("/", apierrors.ErrorHandler(routes.createSource))
	r.Get("/oauth/callback", apierrors.ErrorHandler(routes.oauthCallback))
	r.Get("/{id}", apierrors.ErrorHandler(routes.getSource))
	r.Patch("/{id}", apierrors.ErrorHandler(routes.updateSource))
	r.Delete("/{id}", apierrors.ErrorHandler(routes.deleteSource))
	r.Post("/{id}/discover", apierrors.ErrorHandler(routes.discover))
	r.Post("/{id}/import", apierrors.ErrorHandler(routes.importTools))
	r.Post("/{id}/oauth/begin", apierrors.ErrorHandler(routes.oauthBegin))
	r.Post("/{id}/oauth/reset", apierrors.ErrorHandler(routes.oauthReset))
	return r
}

type sourceRequest struct {
	ServerID       string `json:"server_id"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	Transport      string `json:"transport"`
	Auth           string `json:"auth"`
	AuthSecretName string `json:"auth_secret_name"`
	AuthHeaderName string `json:"auth_header_name"`
	Issuer         string `json:"issuer"`
	ClientID       string `json:"client_id"`
}

// listSources
//
//	@Summary	List external sources
//	@Tags		external-sources
//	@Produce	json
//	@Param		server_id	query		string	false	"Filter by owning server"
//	@Success	200			{object}	pageResponse
//	@Router		/api/v1/external-sources [get]
func (s *SourceRoutes) listSources(w http.ResponseWriter, r *http.Request) error {
	page := pageFromRequest(r)
	sources, total, err := s.store.ListSources(r.Context(), r.URL.Query().Get("server_id"), page)
	if err != nil {
		return err
	}
	return writePage(w, sources, total, page)
}

// createSource
//
//	@Summary	Create an external source
//	@Tags		external-sources
//	@Accept		json
//	@Produce	json
//	@Success	201	{object}	storage.ExternalSource
//	@Router		/api/v1/external-sources [post]
func (s *SourceRoutes) createSource(w http.ResponseWriter, r *http.Request) error {
	var req sourceRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	source := &storage.ExternalSource{
		ServerID:       req.ServerID,
		Name:           req.Name,
		URL:            req.URL,
		Transport:      storage.TransportType(req.Transport),
		Auth:           storage.AuthType(req.Auth),
		AuthSecretName: req.AuthSecretName,
		AuthHeaderName: req.AuthHeaderName,
		Issuer:         req.Issuer,
		ClientID:       req.ClientID,
	}
	if source.Auth == "" {
		source.Auth = storage.AuthNone
	}
	if err := s.manager.CreateSource(r.Context(), actor(r), source); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, source)
}

// getSource
//
//	@Summary	Get external source details
//	@Tags		external-sources
//	@Produce	json
//	@Success	200	{object}	storage.ExternalSource
//	@Router		/api/v1/external-sources/{id} [get]
func (s *SourceRoutes) getSource(w http.ResponseWriter, r *http.Request) error {
	source, err := s.store.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, source)
}

// updateSource
//
//	@Summary	Update an external source
//	@Tags		external-sources
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	storage.ExternalSource
//	@Router		/api/v1/external-sources/{id} [patch]
func (s *SourceRoutes) updateSource(w http.ResponseWriter, r *http.Request) error {
	source, err := s.store.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	req := sourceRequest{
		Name:           source.Name,
		URL:            source.URL,
		Transport:      string(source.Transport),
		Auth:           string(source.Auth),
		AuthSecretName: source.AuthSecretName,
		AuthHeaderName: source.AuthHeaderName,
		Issuer:         source.Issuer,
		ClientID:       source.ClientID,
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	source.Name = req.Name
	source.URL = req.URL
	source.Transport = storage.TransportType(req.Transport)
	source.Auth = storage.AuthType(req.Auth)
	source.AuthSecretName = req.AuthSecretName
	source.AuthHeaderName = req.AuthHeaderName
	source.Issuer = req.Issuer
	source.ClientID = req.ClientID
	if err := s.manager.UpdateSource(r.Context(), actor(r), source); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, source)
}

// deleteSource
//
//	@Summary	Delete an external source
//	@Tags		external-sources
//	@Success	204
//	@Router		/api/v1/external-sources/{id} [delete]
func (s *SourceRoutes) deleteSource(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.DeleteSource(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// discover
//
//	@Summary	Discover the remote tool list
//	@Tags		external-sources
//	@Produce	json
//	@Success	200	{array}	storage.ExternalTool
//	@Router		/api/v1/external-sources/{id}/discover [post]
func (s *SourceRoutes) discover(w http.ResponseWriter, r *http.Request) error {
	tools, err := s.manager.DiscoverSource(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tools)
}

type importRequest struct {
	Tools []string `json:"tools"`
}

// importTools
//
//	@Summary	Import discovered tools as local passthrough tools
//	@Tags		external-sources
//	@Accept		json
//	@Produce	json
//	@Success	201	{array}	storage.Tool
//	@Router		/api/v1/external-sources/{id}/import [post]
func (s *SourceRoutes) importTools(w http.ResponseWriter, r *http.Request) error {
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if len(req.Tools) == 0 {
		return errors.NewValidationError("tools list is empty", nil)
	}
	created, err := s.manager.ImportTools(r.Context(), actor(r), chi.URLParam(r, "id"), req.Tools)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, created)
}

type oauthBeginResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// oauthBegin
//
//	@Summary	Begin the OAuth authorization-code flow
//	@Tags		external-sources
//	@Produce	json
//	@Success	200	{object}	oauthBeginResponse
//	@Router		/api/v1/external-sources/{id}/oauth/begin [post]
func (s *SourceRoutes) oauthBegin(w http.ResponseWriter, r *http.Request) error {
	if s.oauth == nil {
		return errors.NewPreconditionError("oauth is not configured", nil)
	}
	authURL, err := s.oauth.BeginAuth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, oauthBeginResponse{AuthorizationURL: authURL})
}

// oauthCallback
//
//	@Summary		OAuth redirect target
//	@Description	Exchanges the authorization code; the state routes back to the source
//	@Tags			external-sources
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Router			/api/v1/external-sources/oauth/callback [get]
func (s *SourceRoutes) oauthCallback(w http.ResponseWriter, r *http.Request) error {
	if s.oauth == nil {
		return errors.NewPreconditionError("oauth is not configured", nil)
	}
	query := r.URL.Query()
	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		return errors.NewValidationError("code and state are required", nil)
	}
	sourceID, err := external.SourceIDFromState(state)
	if err != nil {
		return err
	}
	if err := s.oauth.CompleteAuth(r.Context(), sourceID, code, state); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

// oauthReset
//
//	@Summary	Drop stored OAuth artifacts
//	@Tags		external-sources
//	@Success	204
//	@Router		/api/v1/external-sources/{id}/oauth/reset [post]
func (s *SourceRoutes) oauthReset(w http.ResponseWriter, r *http.Request) error {
	if s.oauth == nil {
		return errors.NewPreconditionError("oauth is not configured", nil)
	}
	if err := s.oauth.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
