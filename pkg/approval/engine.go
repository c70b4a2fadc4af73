// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval runs the review workflow for the three privileged
// request kinds: publishing a tool, allowing a module, and opening a
// network host. Approving a request is the only write path into the module
// allowlist and a server's allowed hosts.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/policy"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// LLMPrincipalPrefix marks identities that belong to LLM callers. They may
// submit requests but can never review one.
const LLMPrincipalPrefix = "llm:"

// Listener observes resolved requests. The change notifier hangs off it.
type Listener func(req *storage.ApprovalRequest, action string)

// Store is the persistence the engine needs.
type Store interface {
	storage.ApprovalStore
	SetApprovalStatus(ctx context.Context, id string, status storage.ApprovalStatus) error
	AddAllowedHost(ctx context.Context, id, host string) error
	RemoveAllowedHost(ctx context.Context, id, host string) error
}

// Engine is the approval state machine over the request store.
type Engine struct {
	store    Store
	policy   *policy.Policy
	listener Listener
}

// New creates an engine.
func New(store Store, pol *policy.Policy) *Engine {
	return &Engine{store: store, policy: pol}
}

// SetListener registers the resolution hook. Must be called before the
// engine is shared.
func (e *Engine) SetListener(l Listener) {
	e.listener = l
}

// Submit files a new pending request. A second pending request for the same
// subject fails with a conflict.
func (e *Engine) Submit(ctx context.Context, req *storage.ApprovalRequest) error {
	if err := e.validate(req); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = storage.RequestPending

	if err := e.store.CreateRequest(ctx, req); err != nil {
		return err
	}
	logger.Infow("approval request submitted",
		"id", req.ID, "kind", req.Kind, "subject", req.Subject, "by", req.RequestedBy)
	e.notify(req, "submitted")
	return nil
}

// Approve resolves a pending request and applies its effect. The reviewer
// must differ from the requester and cannot be an LLM principal.
func (e *Engine) Approve(ctx context.Context, id, reviewer string) (*storage.ApprovalRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkReviewer(req, reviewer); err != nil {
		return nil, err
	}

	req, err = e.store.TransitionRequest(
		ctx, id, storage.RequestPending, storage.RequestApproved, reviewer)
	if err != nil {
		return nil, err
	}

	if err := e.applyEffect(ctx, req, reviewer); err != nil {
		// Undo the transition so the request can be re-reviewed once the
		// underlying problem is fixed.
		if _, revertErr := e.store.TransitionRequest(
			ctx, id, storage.RequestApproved, storage.RequestPending, ""); revertErr != nil {
			logger.Errorf("failed to revert approval of %s: %v", id, revertErr)
		}
		return nil, err
	}

	logger.Infow("approval request approved",
		"id", req.ID, "kind", req.Kind, "subject", req.Subject, "reviewer", reviewer)
	e.notify(req, "approved")
	return req, nil
}

// Reject resolves a pending request without applying anything.
func (e *Engine) Reject(ctx context.Context, id, reviewer string) (*storage.ApprovalRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkReviewer(req, reviewer); err != nil {
		return nil, err
	}

	req, err = e.store.TransitionRequest(
		ctx, id, storage.RequestPending, storage.RequestRejected, reviewer)
	if err != nil {
		return nil, err
	}

	logger.Infow("approval request rejected",
		"id", req.ID, "kind", req.Kind, "subject", req.Subject, "reviewer", reviewer)
	e.notify(req, "rejected")
	return req, nil
}

// Revoke moves an approved request back to pending and undoes its effect.
// History is never deleted; the request simply awaits a fresh review.
func (e *Engine) Revoke(ctx context.Context, id, reviewer string) (*storage.ApprovalRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkReviewer(req, reviewer); err != nil {
		return nil, err
	}

	req, err = e.store.TransitionRequest(
		ctx, id, storage.RequestApproved, storage.RequestPending, reviewer)
	if err != nil {
		return nil, err
	}

	if err := e.undoEffect(ctx, req); err != nil {
		return nil, err
	}

	logger.Infow("approval request revoked",
		"id", req.ID, "kind", req.Kind, "subject", req.Subject, "reviewer", reviewer)
	e.notify(req, "revoked")
	return req, nil
}

// Get returns one request.
func (e *Engine) Get(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	return e.store.GetRequest(ctx, id)
}

// List returns requests filtered by kind and status; empty values match all.
func (e *Engine) List(
	ctx context.Context, kind storage.RequestKind, status storage.RequestStatus, page storage.Page,
) ([]*storage.ApprovalRequest, int, error) {
	return e.store.ListRequests(ctx, kind, status, page)
}

// ResetSubject flips a subject's approved requests back to pending. Called
// whenever the subject's source changes, so a past approval can never cover
// new code.
func (e *Engine) ResetSubject(ctx context.Context, subjectID string) error {
	if err := e.store.ResetSubjectRequests(ctx, subjectID); err != nil {
		return err
	}
	logger.Debugw("approvals reset for subject", "subject_id", subjectID)
	return nil
}

func (e *Engine) validate(req *storage.ApprovalRequest) error {
	if req.RequestedBy == "" {
		return errors.NewValidationError("requested_by is required", nil)
	}
	if req.SubjectID == "" {
		return errors.NewValidationError("subject_id is required", nil)
	}

	switch req.Kind {
	case storage.KindToolPublish:
		return nil
	case storage.KindModule:
		if req.Subject == "" {
			return errors.NewValidationError("module name is required", nil)
		}
		if e.policy.IsForbidden(req.Subject) {
			return errors.NewValidationError(
				fmt.Sprintf("module %q is permanently forbidden", req.Subject), nil)
		}
		return nil
	case storage.KindNetwork:
		return validateHost(req.Subject)
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unknown request kind %q", req.Kind), nil)
	}
}

func (e *Engine) applyEffect(ctx context.Context, req *storage.ApprovalRequest, reviewer string) error {
	switch req.Kind {
	case storage.KindToolPublish:
		return e.store.SetApprovalStatus(ctx, req.SubjectID, storage.ApprovalApproved)
	case storage.KindModule:
		return e.policy.Add(ctx, req.Subject, reviewer)
	case storage.KindNetwork:
		return e.store.AddAllowedHost(ctx, req.SubjectID, req.Subject)
	default:
		return errors.NewInternalError(
			fmt.Sprintf("unknown request kind %q", req.Kind), nil)
	}
}

func (e *Engine) undoEffect(ctx context.Context, req *storage.ApprovalRequest) error {
	switch req.Kind {
	case storage.KindToolPublish:
		// The store disables the tool along with the demotion: enabled
		// implies approved.
		return e.store.SetApprovalStatus(ctx, req.SubjectID, storage.ApprovalPendingReview)
	case storage.KindModule:
		err := e.policy.Remove(ctx, req.Subject)
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	case storage.KindNetwork:
		return e.store.RemoveAllowedHost(ctx, req.SubjectID, req.Subject)
	default:
		return errors.NewInternalError(
			fmt.Sprintf("unknown request kind %q", req.Kind), nil)
	}
}

func (e *Engine) notify(req *storage.ApprovalRequest, action string) {
	if e.listener != nil {
		e.listener(req, action)
	}
}

func checkReviewer(req *storage.ApprovalRequest, reviewer string) error {
	if reviewer == "" {
		return errors.NewValidationError("reviewer identity is required", nil)
	}
	if strings.HasPrefix(reviewer, LLMPrincipalPrefix) {
		return errors.NewAuthzError("LLM principals cannot review requests", nil)
	}
	if reviewer == req.RequestedBy {
		return errors.NewAuthzError("requester cannot review their own request", nil)
	}
	return nil
}

// validateHost accepts "host" or "host:port" without scheme or path.
func validateHost(host string) error {
	if host == "" {
		return errors.NewValidationError("host is required", nil)
	}
	if strings.ContainsAny(host, "/\\ ?#@") || strings.Contains(host, "://") {
		return errors.NewValidationError(
			fmt.Sprintf("invalid host %q: expected host or host:port", host), nil)
	}
	return nil
}
