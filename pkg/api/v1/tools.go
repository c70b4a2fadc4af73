// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/lifecycle"
	"github.com/mcpbox/mcpbox/pkg/storage"
	"github.com/mcpbox/mcpbox/pkg/validation"
)

// ToolRoutes serves tool-level operations: metadata and source updates,
// enable/disable, version history, rollback and the two dry-run endpoints.
type ToolRoutes struct {
	manager *lifecycle.Manager
	store   storage.Store
}

// ToolRouter mounts the tool endpoints.
func ToolRouter(manager *lifecycle.Manager, store storage.Store) http.Handler {
	routes := ToolRoutes{manager: manager, store: store}
	r := chi.NewRouter()
	r.Post("/validate-code", apierrors.ErrorHandler(routes.validateCode))
	r.Get("/{id}", apierrors.ErrorHandler(routes.getTool))
	r.Patch("/{id}", apierrors.ErrorHandler(routes.updateTool))
	r.Delete("/{id}", apierrors.ErrorHandler(routes.deleteTool))
	r.Post("/{id}/enable", apierrors.ErrorHandler(routes.enableTool))
	r.Post("/{id}/disable", apierrors.ErrorHandler(routes.disableTool))
	r.Get("/{id}/versions", apierrors.ErrorHandler(routes.listVersions))
	r.Post("/{id}/versions/{version}/rollback", apierrors.ErrorHandler(routes.rollback))
	r.Post("/{id}/test-code", apierrors.ErrorHandler(routes.testCode))
	return r
}

// getTool
//
//	@Summary	Get tool details
//	@Tags		tools
//	@Produce	json
//	@Success	200	{object}	storage.Tool
//	@Router		/api/v1/tools/{id} [get]
func (s *ToolRoutes) getTool(w http.ResponseWriter, r *http.Request) error {
	tool, err := s.store.GetTool(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tool)
}

type toolPatchRequest struct {
	Description *string `json:"description"`
	TimeoutMS   *int    `json:"timeout_ms"`
	// Source, when present, becomes a new version and resets approval.
	Source             *string `json:"source"`
	VersionDescription string  `json:"version_description"`
}

// updateTool
//
//	@Summary		Update a tool
//	@Description	Patching source stores a new version, disables the tool and voids approvals
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	storage.Tool
//	@Router			/api/v1/tools/{id} [patch]
func (s *ToolRoutes) updateTool(w http.ResponseWriter, r *http.Request) error {
	var req toolPatchRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	id := chi.URLParam(r, "id")

	if req.Description != nil || req.TimeoutMS != nil {
		tool, err := s.store.GetTool(r.Context(), id)
		if err != nil {
			return err
		}
		if req.Description != nil {
			tool.Description = *req.Description
		}
		if req.TimeoutMS != nil {
			tool.TimeoutMS = *req.TimeoutMS
		}
		if err := s.manager.UpdateToolMeta(r.Context(), actor(r), tool); err != nil {
			return err
		}
	}

	if req.Source != nil {
		updated, err := s.manager.UpdateToolSource(
			r.Context(), actor(r), id, *req.Source, req.VersionDescription)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, updated)
	}

	tool, err := s.store.GetTool(r.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tool)
}

// deleteTool
//
//	@Summary	Delete a tool
//	@Tags		tools
//	@Success	204
//	@Router		/api/v1/tools/{id} [delete]
func (s *ToolRoutes) deleteTool(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.DeleteTool(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// enableTool
//
//	@Summary	Enable an approved tool
//	@Tags		tools
//	@Success	204
//	@Failure	412	{string}	string	"Tool is not approved"
//	@Router		/api/v1/tools/{id}/enable [post]
func (s *ToolRoutes) enableTool(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.SetToolEnabled(r.Context(), actor(r), chi.URLParam(r, "id"), true); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// disableTool
//
//	@Summary	Disable a tool
//	@Tags		tools
//	@Success	204
//	@Router		/api/v1/tools/{id}/disable [post]
func (s *ToolRoutes) disableTool(w http.ResponseWriter, r *http.Request) error {
	if err := s.manager.SetToolEnabled(r.Context(), actor(r), chi.URLParam(r, "id"), false); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// listVersions
//
//	@Summary	List a tool's version history
//	@Tags		tools
//	@Produce	json
//	@Success	200	{object}	pageResponse
//	@Router		/api/v1/tools/{id}/versions [get]
func (s *ToolRoutes) listVersions(w http.ResponseWriter, r *http.Request) error {
	page := pageFromRequest(r)
	versions, total, err := s.store.ListVersions(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		return err
	}
	return writePage(w, versions, total, page)
}

// rollback
//
//	@Summary		Roll back to an older version
//	@Description	Creates a new version carrying the old source; the tool re-enters review
//	@Tags			tools
//	@Produce		json
//	@Success		200	{object}	lifecycle.RollbackResult
//	@Router			/api/v1/tools/{id}/versions/{version}/rollback [post]
func (s *ToolRoutes) rollback(w http.ResponseWriter, r *http.Request) error {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		return errors.NewValidationError("version must be a positive integer", nil)
	}
	result, err := s.manager.Rollback(r.Context(), actor(r), chi.URLParam(r, "id"), version)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

type validateCodeRequest struct {
	Source string `json:"source"`
}

// validateCode
//
//	@Summary		Validate tool source without saving
//	@Description	Runs the static pipeline and returns the full failure list
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	validation.Result
//	@Router			/api/v1/tools/validate-code [post]
func (s *ToolRoutes) validateCode(w http.ResponseWriter, r *http.Request) error {
	var req validateCodeRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, validation.Validate(req.Source))
}

type testCodeRequest struct {
	Args map[string]any `json:"args"`
}

// testCode
//
//	@Summary		Execute a tool's saved source
//	@Description	Runs the stored code in a scratch sandbox registration; request bodies never carry source
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	sandbox.ExecuteResponse
//	@Router			/api/v1/tools/{id}/test-code [post]
func (s *ToolRoutes) testCode(w http.ResponseWriter, r *http.Request) error {
	var req testCodeRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	resp, err := s.manager.TestTool(r.Context(), actor(r), chi.URLParam(r, "id"), req.Args)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}
