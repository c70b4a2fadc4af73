// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	stderrors "errors"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

const requestColumns = `id, kind, subject_id, subject, requested_by,
	justification, status, reviewed_by, reviewed_at, created_at`

// CreateRequest inserts a pending request. The partial unique index makes a
// second pending request for the same (kind, subject id, subject) a conflict.
func (s *Store) CreateRequest(ctx context.Context, req *storage.ApprovalRequest) error {
	req.CreatedAt = now()
	req.Status = storage.RequestPending
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (
			id, kind, subject_id, subject, requested_by,
			justification, status, reviewed_by, reviewed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, '', NULL, ?)`,
		req.ID, string(req.Kind), req.SubjectID, req.Subject, req.RequestedBy,
		req.Justification, string(req.Status), formatTime(req.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("an equivalent request is already pending", err)
		}
		return fmt.Errorf("inserting approval request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns one page of requests of a kind, newest first.
// An empty status matches every status.
func (s *Store) ListRequests(
	ctx context.Context, kind storage.RequestKind, status storage.RequestStatus, page storage.Page,
) ([]*storage.ApprovalRequest, int, error) {
	where := `WHERE kind = ?`
	args := []any{string(kind)}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting approval requests: %w", err)
	}

	args = append(args, page.Limit(), page.Offset())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests `+where+
			` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying approval requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*storage.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating request rows: %w", err)
	}
	return requests, total, nil
}

// TransitionRequest moves a request from one status to another. The UPDATE
// is guarded by the expected current status, so a concurrent reviewer's
// change surfaces as a conflict instead of a silent overwrite.
func (s *Store) TransitionRequest(
	ctx context.Context, id string, from, to storage.RequestStatus, reviewedBy string,
) (*storage.ApprovalRequest, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, reviewed_by = ?, reviewed_at = ?
		WHERE id = ? AND status = ?`,
		string(to), reviewedBy, formatTime(ts), id, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("updating approval request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		req, getErr := s.GetRequest(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.NewConflictError(
			fmt.Sprintf("request is %s, expected %s", req.Status, from), nil)
	}
	return s.GetRequest(ctx, id)
}

// ResetSubjectRequests flips approved requests for the subject back to
// pending, clearing the stale review.
func (s *Store) ResetSubjectRequests(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, reviewed_by = '', reviewed_at = NULL
		WHERE subject_id = ? AND status = ?`,
		string(storage.RequestPending), subjectID, string(storage.RequestApproved),
	)
	if err != nil {
		return fmt.Errorf("resetting approval requests: %w", err)
	}
	return nil
}

func scanRequest(sc scanner) (*storage.ApprovalRequest, error) {
	var (
		req          storage.ApprovalRequest
		kind, status string
		reviewedAt   sql.NullString
		createdAt    string
	)
	err := sc.Scan(
		&req.ID, &kind, &req.SubjectID, &req.Subject, &req.RequestedBy,
		&req.Justification, &status, &req.ReviewedBy, &reviewedAt, &createdAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("approval request not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning request row: %w", err)
	}

	req.Kind = storage.RequestKind(kind)
	req.Status = storage.RequestStatus(status)
	if req.ReviewedAt, err = parseNullableTime(reviewedAt); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &req, nil
}
