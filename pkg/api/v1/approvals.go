// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbox/mcpbox/pkg/api/errors"
	"github.com/mcpbox/mcpbox/pkg/approval"
	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// ApprovalRoutes serves the review queues.
type ApprovalRoutes struct {
	engine *approval.Engine
}

// ApprovalRouter mounts the approval endpoints. The kind travels in the
// path: /approvals/{tools|modules|network}.
func ApprovalRouter(engine *approval.Engine) http.Handler {
	routes := ApprovalRoutes{engine: engine}
	r := chi.NewRouter()
	r.Get("/{kind}", apierrors.ErrorHandler(routes.list))
	r.Post("/{kind}", apierrors.ErrorHandler(routes.submit))
	r.Post("/{kind}/{id}/action", apierrors.ErrorHandler(routes.action))
	r.Post("/{kind}/{id}/revoke", apierrors.ErrorHandler(routes.revoke))
	return r
}

func kindFromPath(r *http.Request) (storage.RequestKind, error) {
	switch chi.URLParam(r, "kind") {
	case "tools":
		return storage.KindToolPublish, nil
	case "modules":
		return storage.KindModule, nil
	case "network":
		return storage.KindNetwork, nil
	default:
		return "", errors.NewNotFoundError("unknown approval kind", nil)
	}
}

// list
//
//	@Summary	List approval requests of one kind
//	@Tags		approvals
//	@Produce	json
//	@Param		status	query		string	false	"Filter by status"
//	@Success	200		{object}	pageResponse
//	@Router		/api/v1/approvals/{kind} [get]
func (s *ApprovalRoutes) list(w http.ResponseWriter, r *http.Request) error {
	kind, err := kindFromPath(r)
	if err != nil {
		return err
	}
	page := pageFromRequest(r)
	status := storage.RequestStatus(r.URL.Query().Get("status"))
	requests, total, err := s.engine.List(r.Context(), kind, status, page)
	if err != nil {
		return err
	}
	return writePage(w, requests, total, page)
}

type submitRequest struct {
	SubjectID     string `json:"subject_id"`
	Subject       string `json:"subject"`
	Justification string `json:"justification"`
}

// submit
//
//	@Summary	File an approval request
//	@Tags		approvals
//	@Accept		json
//	@Produce	json
//	@Success	202	{object}	storage.ApprovalRequest
//	@Failure	409	{string}	string	"An equivalent request is already pending"
//	@Router		/api/v1/approvals/{kind} [post]
func (s *ApprovalRoutes) submit(w http.ResponseWriter, r *http.Request) error {
	kind, err := kindFromPath(r)
	if err != nil {
		return err
	}
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	request := &storage.ApprovalRequest{
		Kind:          kind,
		SubjectID:     req.SubjectID,
		Subject:       req.Subject,
		RequestedBy:   actor(r),
		Justification: req.Justification,
	}
	if err := s.engine.Submit(r.Context(), request); err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, request)
}

type actionRequest struct {
	Action string `json:"action"`
}

// action
//
//	@Summary	Approve or reject a pending request
//	@Tags		approvals
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	storage.ApprovalRequest
//	@Failure	403	{string}	string	"Self-review refused"
//	@Router		/api/v1/approvals/{kind}/{id}/action [post]
func (s *ApprovalRoutes) action(w http.ResponseWriter, r *http.Request) error {
	if _, err := kindFromPath(r); err != nil {
		return err
	}
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	id := chi.URLParam(r, "id")
	var (
		request *storage.ApprovalRequest
		err     error
	)
	switch req.Action {
	case "approve":
		request, err = s.engine.Approve(r.Context(), id, actor(r))
	case "reject":
		request, err = s.engine.Reject(r.Context(), id, actor(r))
	default:
		return errors.NewValidationError("action must be approve or reject", nil)
	}
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, request)
}

// revoke
//
//	@Summary		Revoke an approved request
//	@Description	Returns the request to pending and undoes its effect
//	@Tags			approvals
//	@Produce		json
//	@Success		200	{object}	storage.ApprovalRequest
//	@Router			/api/v1/approvals/{kind}/{id}/revoke [post]
func (s *ApprovalRoutes) revoke(w http.ResponseWriter, r *http.Request) error {
	if _, err := kindFromPath(r); err != nil {
		return err
	}
	request, err := s.engine.Revoke(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, request)
}
