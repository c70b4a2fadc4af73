// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/lifecycle"
	"github.com/mcpbox/mcpbox/pkg/secrets"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// ServerRoutes serves server CRUD, lifecycle transitions, secrets and
// server-scoped tool creation.
type ServerRoutes struct {
	manager   *lifecycle.Manager
	store     storage.Store
	secrets   *secrets.Store
	approvals *approval.Engine
}

// ServerRouter mounts the server endpoints.
func ServerRouter(
	manager *lifecycle.Manager, store storage.Store,
	secretStore *secrets.Store, approvals *approval.Engine,
) http.Handler {
	routes := ServerRoutes{
		manager: manager, store: store, secrets: secretStore, approvals: approvals,
	}
	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.listServers))
	r.Post("/", apierrors.ErrorHandler(routes.createServer))
	r.Post("/import", apierrors.ErrorHandler(routes.importServer))
	r.Get("/{id}", apierrors.ErrorHandler(routes.getServer))
	r.Patch("/{id}", apierrors.ErrorHandler(routes.updateServer))
	r.Delete("/{id}", apierrors.ErrorHandler(routes.deleteServer))
	r.Post("/{id}/start", apierrors.ErrorHandler(routes.startServer))
	r.Post("/{id}/stop", apierrors.ErrorHandler(routes.stopServer))
	r.Post("/{id}/allowed-hosts", apierrors.ErrorHandler(routes.requestAllowedHost))
	r.Delete("/{id}/allowed-hosts", apierrors.ErrorHandler(routes.removeAllowedHost))
	r.Get("/{id}/export", apierrors.ErrorHandler(routes.exportServer))
	r.Get("/{id}/tools", apierrors.ErrorHandler(routes.listTools))
	r.Post("/{id}/tools", apierrors.ErrorHandler(routes.createTool))
	r.Get("/{id}/secrets", apierrors.ErrorHandler(routes.listSecrets))
	r.Put("/{id}/secrets/{key}", apierrors.ErrorHandler(routes.putSecret))
	r.Delete("/{id}/secrets/{key}", apierrors.ErrorHandler(routes.deleteSecret))
	return r
}

type serverRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	NetworkMode      string   `json:"network_mode"`
	DefaultTimeoutMS int      `json:"default_timeout_ms"`
	AllowedHosts     []string `json:"allowed_hosts"`
}

// listServers
//
//	@Summary	List servers
//	@Tags		servers
//	@Produce	json
//	@Param		page		query		int	false	"Page number"
//	@Param		page_size	query		int	false	"Page size (max 100)"
//	@Success	200			{object}	pageResponse
//	@Router		/api/v1/servers [get]
func (s *ServerRoutes) listServers(w http.ResponseWriter, r *http.Request) error {
	page := pageFromRequest(r)
	servers, total, err := s.store.ListServers(r.Context(), page)
	if err != nil {
		return err
	}
	return writePage(w, servers, total, page)
}

// createServer
//
//	@Summary	Create a server
//	@Tags		servers
//	@Accept		json
//	@Produce	json
//	@Success	201	{object}	storage.Server
//	@Router		/api/v1/servers [post]
func (s *ServerRoutes) createServer(w http.ResponseWriter, r *http.Request) error {
	var req serverRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	server := &storage.Server{
		Name:             req.Name,
		Description:      req.Description,
		NetworkMode:      storage.NetworkMode(req.NetworkMode),
		DefaultTimeoutMS: req.DefaultTimeoutMS,
		AllowedHosts:     req.AllowedHosts,
	}
	if err := s.manager.CreateServer(r.Context(), actor(r), server); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, server)
}

// getServer
//
//	@Summary	Get server details
//	@Tags		servers
//	@Produce	json
//	@Param		id	path		string	true	"Server id"
//	@Success	200	{object}	storage.Server
//	@Router		/api/v1/servers/{id} [get]
func (s *ServerRoutes) getServer(w http.ResponseWriter, r *http.Request) error {
	server, err := s.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, server)
}

// updateServer
//
//	@Summary	Update server metadata
//	@Tags		servers
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	storage.Server
//	@Router		/api/v1/servers/{id} [patch]
func (s *ServerRoutes) updateServer(w http.ResponseWriter, r *http.Request) error {
	current, err := s.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	req := serverRequest{
		Name:             current.Name,
		Description:      current.Description,
		NetworkMode:      string(current.NetworkMode),
		DefaultTimeoutMS: current.DefaultTimeoutMS,
		AllowedHosts:     current.AllowedHosts,
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	current.Name = req.Name
	current.Description = req.Description
	current.NetworkMode = storage.NetworkMode(req.NetworkMode)
	current.DefaultTimeoutMS = req.DefaultTimeoutMS
	current.AllowedHosts = req.AllowedHosts
	if err := s.manager.UpdateServer(r.Context(), actor(r), current); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, current)
}

// deleteServer
//
//	@Summary	Delete a stopped server
//	@Tags		servers
//	@Param		id	path	string	true	"Server id"
//	@Success	204
//	@Failure	412	{string}	string	"Server is running"
//	@Router		/api/v1/servers/{id} [delete]
func (s *ServerRoutes) deleteServer(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.DeleteServer(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// startServer
//
//	@Summary	Start a server
//	@Tags		servers
//	@Param		id	path	string	true	"Server id"
//	@Success	204
//	@Failure	412	{string}	string	"No approved, enabled tools"
//	@Router		/api/v1/servers/{id}/start [post]
func (s *ServerRoutes) startServer(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.StartServer(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// stopServer
//
//	@Summary	Stop a server
//	@Tags		servers
//	@Param		id	path	string	true	"Server id"
//	@Success	204
//	@Router		/api/v1/servers/{id}/stop [post]
func (s *ServerRoutes) stopServer(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.StopServer(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type allowedHostRequest struct {
	Host          string `json:"host"`
	Justification string `json:"justification,omitempty"`
}

// requestAllowedHost
//
//	@Summary		Request a new allowed host
//	@Description	Files a network approval request; the host is added only on approval
//	@Tags			servers
//	@Accept			json
//	@Produce		json
//	@Success		202	{object}	storage.ApprovalRequest
//	@Router			/api/v1/servers/{id}/allowed-hosts [post]
func (s *ServerRoutes) requestAllowedHost(w http.ResponseWriter, r *http.Request) error {
	var req allowedHostRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	request := &storage.ApprovalRequest{
		Kind:          storage.KindNetwork,
		SubjectID:     chi.URLParam(r, "id"),
		Subject:       req.Host,
		RequestedBy:   actor(r),
		Justification: req.Justification,
	}
	if err := s.approvals.Submit(r.Context(), request); err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, request)
}

// removeAllowedHost
//
//	@Summary	Remove an allowed host
//	@Tags		servers
//	@Accept		json
//	@Success	204
//	@Router		/api/v1/servers/{id}/allowed-hosts [delete]
func (s *ServerRoutes) removeAllowedHost(w http.ResponseWriter, r *http.Request) error {
	var req allowedHostRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Host == "" {
		return errors.NewValidationError("host is required", nil)
	}
	if err := s.manager.RemoveAllowedHost(r.Context(), actor(r), chi.URLParam(r, "id"), req.Host); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// exportServer
//
//	@Summary	Export a server and its native tools
//	@Tags		servers
//	@Produce	json
//	@Success	200	{object}	lifecycle.ServerExport
//	@Router		/api/v1/servers/{id}/export [get]
func (s *ServerRoutes) exportServer(w http.ResponseWriter, r *http.Request) error {
	export, err := s.manager.ExportServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, export)
}

// importServer
//
//	@Summary	Import a server from an export
//	@Tags		servers
//	@Accept		json
//	@Produce	json
//	@Success	201	{object}	storage.Server
//	@Router		/api/v1/servers/import [post]
func (s *ServerRoutes) importServer(w http.ResponseWriter, r *http.Request) error {
	var export lifecycle.ServerExport
	if err := decodeBody(r, &export); err != nil {
		return err
	}
	server, err := s.manager.ImportServer(r.Context(), actor(r), &export)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, server)
}

// listTools
//
//	@Summary	List a server's tools
//	@Tags		tools
//	@Produce	json
//	@Success	200	{object}	pageResponse
//	@Router		/api/v1/servers/{id}/tools [get]
func (s *ServerRoutes) listTools(w http.ResponseWriter, r *http.Request) error {
	page := pageFromRequest(r)
	tools, total, err := s.store.ListTools(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		return err
	}
	return writePage(w, tools, total, page)
}

type toolRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	TimeoutMS        int    `json:"timeout_ms"`
	ToolType         string `json:"tool_type"`
	Source           string `json:"source"`
	ExternalSourceID string `json:"external_source_id"`
	ExternalToolName string `json:"external_tool_name"`
}

// createTool
//
//	@Summary	Create a tool
//	@Tags		tools
//	@Accept		json
//	@Produce	json
//	@Success	201	{object}	storage.Tool
//	@Failure	400	{string}	string	"Source failed validation"
//	@Router		/api/v1/servers/{id}/tools [post]
func (s *ServerRoutes) createTool(w http.ResponseWriter, r *http.Request) error {
	var req toolRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	toolType := storage.ToolType(req.ToolType)
	if toolType == "" {
		toolType = storage.ToolTypePythonCode
	}
	tool := &storage.Tool{
		ServerID:         chi.URLParam(r, "id"),
		Name:             req.Name,
		Description:      req.Description,
		TimeoutMS:        req.TimeoutMS,
		ToolType:         toolType,
		Source:           req.Source,
		ExternalSourceID: req.ExternalSourceID,
		ExternalToolName: req.ExternalToolName,
	}
	if err := s.manager.CreateTool(r.Context(), actor(r), tool); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, tool)
}

// secretSummary is what secret listings expose: never the value.
type secretSummary struct {
	KeyName  string `json:"key_name"`
	HasValue bool   `json:"has_value"`
}

// listSecrets
//
//	@Summary		List secret names
//	@Description	Returns key names only; secret values are write-only
//	@Tags			secrets
//	@Produce		json
//	@Success		200	{array}	secretSummary
//	@Router			/api/v1/servers/{id}/secrets [get]
func (s *ServerRoutes) listSecrets(w http.ResponseWriter, r *http.Request) error {
	names, err := s.secrets.ListNames(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	summaries := make([]secretSummary, 0, len(names))
	for _, name := range names {
		summaries = append(summaries, secretSummary{KeyName: name, HasValue: true})
	}
	return writeJSON(w, http.StatusOK, summaries)
}

type secretRequest struct {
	Value string `json:"value"`
}

// putSecret
//
//	@Summary	Set a secret value
//	@Tags		secrets
//	@Accept		json
//	@Param		id	path	string	true	"Server id"
//	@Param		key	path	string	true	"Secret key name"
//	@Success	204
//	@Router		/api/v1/servers/{id}/secrets/{key} [put]
func (s *ServerRoutes) putSecret(w http.ResponseWriter, r *http.Request) error {
	var req secretRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	err := s.manager.SetSecret(
		r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// deleteSecret
//
//	@Summary	Delete a secret
//	@Tags		secrets
//	@Success	204
//	@Router		/api/v1/servers/{id}/secrets/{key} [delete]
func (s *ServerRoutes) deleteSecret(w http.ResponseWriter, r *http.Request) error {
	err := s.manager.DeleteSecret(
		r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "key"))
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
