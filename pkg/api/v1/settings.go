// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// SettingsRoutes serves the security policy and direct module management.
type SettingsRoutes struct {
	store  storage.SettingsStore
	policy *policy.Policy
}

// SettingsRouter mounts the settings endpoints.
func SettingsRouter(store storage.SettingsStore, pol *policy.Policy) http.Handler {
	routes := SettingsRoutes{store: store, policy: pol}
	r := chi.NewRouter()
	r.Get("/security-policy", apierrors.ErrorHandler(routes.getSecurityPolicy))
	r.Put("/security-policy", apierrors.ErrorHandler(routes.putSecurityPolicy))
	r.Get("/modules", apierrors.ErrorHandler(routes.listModules))
	r.Post("/modules", apierrors.ErrorHandler(routes.addModule))
	r.Delete("/modules/{name}", apierrors.ErrorHandler(routes.removeModule))
	return r
}

// getSecurityPolicy
//
//	@Summary	Get the remote-access security policy
//	@Tags		settings
//	@Produce	json
//	@Success	200	{object}	storage.SecurityPolicy
//	@Router		/api/v1/settings/security-policy [get]
func (s *SettingsRoutes) getSecurityPolicy(w http.ResponseWriter, r *http.Request) error {
	pol, err := storage.LoadSecurityPolicy(r.Context(), s.store)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, pol)
}

// putSecurityPolicy
//
//	@Summary	Replace the remote-access security policy
//	@Tags		settings
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	storage.SecurityPolicy
//	@Router		/api/v1/settings/security-policy [put]
func (s *SettingsRoutes) putSecurityPolicy(w http.ResponseWriter, r *http.Request) error {
	var pol storage.SecurityPolicy
	if err := decodeBody(r, &pol); err != nil {
		return err
	}
	if err := storage.SaveSecurityPolicy(r.Context(), s.store, &pol); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, &pol)
}

// listModules
//
//	@Summary	List module allowlist status
//	@Tags		settings
//	@Produce	json
//	@Success	200	{array}	policy.ModuleStatus
//	@Router		/api/v1/settings/modules [get]
func (s *SettingsRoutes) listModules(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.policy.ListWithStatus())
}

type moduleRequest struct {
	Name string `json:"name"`
}

// addModule
//
//	@Summary		Allow a module directly
//	@Description	Admin shortcut past the approval queue; permanently forbidden modules are still refused
//	@Tags			settings
//	@Accept			json
//	@Success		204
//	@Router			/api/v1/settings/modules [post]
func (s *SettingsRoutes) addModule(w http.ResponseWriter, r *http.Request) error {
	var req moduleRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return errors.NewValidationError("module name is required", nil)
	}
	if err := s.policy.Add(r.Context(), req.Name, actor(r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// removeModule
//
//	@Summary	Remove a module from the allowlist
//	@Tags		settings
//	@Success	204
//	@Router		/api/v1/settings/modules/{name} [delete]
func (s *SettingsRoutes) removeModule(w http.ResponseWriter, r *http.Request) error {
	if err := s.policy.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
