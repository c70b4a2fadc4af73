// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mcpbox/mcpbox/pkg/storage"
)

const executionColumns = `id, server_id, tool_id, tool_name, args, result,
	stdout, stderr, http_log, duration_ms, success, error_kind, actor, created_at`

// AppendExecution records one tool invocation.
func (s *Store) AppendExecution(ctx context.Context, entry *storage.ExecutionLog) error {
	entry.CreatedAt = now()
	httpLog := "[]"
	if len(entry.HTTPLog) > 0 {
		httpLog = string(entry.HTTPLog)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (
			id, server_id, tool_id, tool_name, args, result,
			stdout, stderr, http_log, duration_ms, success, error_kind, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ServerID, entry.ToolID, entry.ToolName, entry.Args,
		entry.Result, entry.Stdout, entry.Stderr, httpLog, entry.DurationMS,
		entry.Success, entry.ErrorKind, entry.Actor, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}
	return nil
}

// ListExecutions returns one page of execution logs, newest first.
func (s *Store) ListExecutions(
	ctx context.Context, filter storage.ExecutionFilter, page storage.Page,
) ([]*storage.ExecutionLog, int, error) {
	where := `WHERE 1 = 1`
	var args []any
	if filter.ServerID != "" {
		where += ` AND server_id = ?`
		args = append(args, filter.ServerID)
	}
	if filter.ToolID != "" {
		where += ` AND tool_id = ?`
		args = append(args, filter.ToolID)
	}
	if filter.Success != nil {
		where += ` AND success = ?`
		args = append(args, *filter.Success)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting execution logs: %w", err)
	}

	args = append(args, page.Limit(), page.Offset())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM execution_logs `+where+
			` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying execution logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.ExecutionLog
	for rows.Next() {
		var (
			entry     storage.ExecutionLog
			httpLog   string
			createdAt string
		)
		if err := rows.Scan(
			&entry.ID, &entry.ServerID, &entry.ToolID, &entry.ToolName,
			&entry.Args, &entry.Result, &entry.Stdout, &entry.Stderr,
			&httpLog, &entry.DurationMS, &entry.Success, &entry.ErrorKind,
			&entry.Actor, &createdAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning execution log row: %w", err)
		}
		if httpLog != "" && httpLog != "[]" {
			entry.HTTPLog = []byte(httpLog)
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating execution log rows: %w", err)
	}
	return entries, total, nil
}

// AppendActivity records one mutating admin action.
func (s *Store) AppendActivity(ctx context.Context, entry *storage.ActivityLog) error {
	entry.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, actor, action, subject, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.Subject, entry.Detail,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting activity log: %w", err)
	}
	return nil
}

// ListActivity returns one page of activity logs, newest first.
func (s *Store) ListActivity(
	ctx context.Context, page storage.Page,
) ([]*storage.ActivityLog, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting activity logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, subject, detail, created_at
		FROM activity_logs ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("querying activity logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*storage.ActivityLog
	for rows.Next() {
		var (
			entry     storage.ActivityLog
			createdAt string
		)
		if err := rows.Scan(
			&entry.ID, &entry.Actor, &entry.Action, &entry.Subject,
			&entry.Detail, &createdAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning activity log row: %w", err)
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating activity log rows: %w", err)
	}
	return entries, total, nil
}

// PruneLogs deletes execution and activity entries older than cutoff.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := formatTime(cutoff)
	var pruned int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_logs WHERE created_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("pruning execution logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	pruned += n

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM activity_logs WHERE created_at < ?`, ts)
	if err != nil {
		return pruned, fmt.Errorf("pruning activity logs: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return pruned, fmt.Errorf("checking rows affected: %w", err)
	}
	return pruned + n, nil
}
