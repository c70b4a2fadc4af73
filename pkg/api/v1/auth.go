// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/errors"
)

// AuthRoutes serves login and token refresh.
type AuthRoutes struct {
	authenticator *auth.Authenticator
	issuer        *auth.Issuer
}

// AuthRouter mounts the auth endpoints. The caller wraps it with the login
// rate limit; these are the only unauthenticated mutating routes.
func AuthRouter(authenticator *auth.Authenticator, issuer *auth.Issuer) http.Handler {
	routes := AuthRoutes{authenticator: authenticator, issuer: issuer}
	r := chi.NewRouter()
	r.Post("/login", apierrors.ErrorHandler(routes.login))
	r.Post("/refresh", apierrors.ErrorHandler(routes.refresh))
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// login
//
//	@Summary		Admin login
//	@Description	Exchange admin credentials for an access/refresh token pair
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	auth.TokenPair
//	@Failure		401	{string}	string	"Invalid credentials"
//	@Router			/api/v1/auth/login [post]
func (s *AuthRoutes) login(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.authenticator.Login(req.Username, req.Password); err != nil {
		return err
	}
	pair, err := s.issuer.Issue(req.Username)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, pair)
}

// refresh
//
//	@Summary	Refresh tokens
//	@Tags		auth
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	auth.TokenPair
//	@Router		/api/v1/auth/refresh [post]
func (s *AuthRoutes) refresh(w http.ResponseWriter, r *http.Request) error {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	subject, err := s.issuer.Verify(req.RefreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return errors.NewAuthzError("invalid refresh token", nil)
	}
	pair, err := s.issuer.Issue(subject)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, pair)
}
