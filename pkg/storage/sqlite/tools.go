// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	stderrors "errors"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

const toolColumns = `id, server_id, name, description, enabled, timeout_ms,
	tool_type, source, external_source_id, external_tool_name,
	json(input_schema), approval_status, current_version, created_at, updated_at`

// CreateTool inserts the tool and its version 1 in one transaction.
func (s *Store) CreateTool(ctx context.Context, tool *storage.Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	ts := now()
	tool.CreatedAt = ts
	tool.UpdatedAt = ts
	tool.CurrentVersion = 1
	tool.Enabled = false
	if tool.ApprovalStatus == "" {
		tool.ApprovalStatus = storage.ApprovalDraft
	}

	schema, err := encodeSchema(tool.InputSchema)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tools (
			id, server_id, name, description, enabled, timeout_ms,
			tool_type, source, external_source_id, external_tool_name,
			input_schema, approval_status, current_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, jsonb(?), ?, ?, ?, ?)`,
		tool.ID, tool.ServerID, tool.Name, tool.Description, tool.Enabled,
		tool.TimeoutMS, string(tool.ToolType), tool.Source,
		tool.ExternalSourceID, tool.ExternalToolName, schema,
		string(tool.ApprovalStatus), tool.CurrentVersion,
		formatTime(ts), formatTime(ts),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError(
				fmt.Sprintf("tool %q already exists on this server", tool.Name), err)
		}
		return fmt.Errorf("inserting tool: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_versions (tool_id, version_number, source, description, created_at)
		VALUES (?, 1, ?, ?, ?)`,
		tool.ID, tool.Source, "initial version", formatTime(ts),
	); err != nil {
		return fmt.Errorf("inserting initial version: %w", err)
	}

	return tx.Commit()
}

// GetTool retrieves a tool by id.
func (s *Store) GetTool(ctx context.Context, id string) (*storage.Tool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	return scanTool(row)
}

// GetToolByName retrieves a tool by its server-scoped name.
func (s *Store) GetToolByName(ctx context.Context, serverID, name string) (*storage.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE server_id = ? AND name = ?`, serverID, name)
	return scanTool(row)
}

// ListTools returns one page of a server's tools ordered by name.
func (s *Store) ListTools(ctx context.Context, serverID string, page storage.Page) ([]*storage.Tool, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tools WHERE server_id = ?`, serverID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tools: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE server_id = ? ORDER BY name LIMIT ? OFFSET ?`,
		serverID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tools, err := collectTools(rows)
	if err != nil {
		return nil, 0, err
	}
	return tools, total, nil
}

// ListServerTools returns every tool of a server ordered by name.
func (s *Store) ListServerTools(ctx context.Context, serverID string) ([]*storage.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTools(rows)
}

// UpdateToolMeta updates everything except the source and approval state.
func (s *Store) UpdateToolMeta(ctx context.Context, tool *storage.Tool) error {
	tool.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET
			description = ?, timeout_ms = ?,
			external_source_id = ?, external_tool_name = ?, updated_at = ?
		WHERE id = ?`,
		tool.Description, tool.TimeoutMS,
		tool.ExternalSourceID, tool.ExternalToolName,
		formatTime(tool.UpdatedAt), tool.ID,
	)
	if err != nil {
		return fmt.Errorf("updating tool: %w", err)
	}
	return requireAffected(res, "tool")
}

// UpdateToolSource stores new source as the next version and resets the
// tool's review state. The version number comes from an atomic
// "current_version + 1 ... RETURNING" update inside the same transaction
// that inserts the version row, so two concurrent updates can never
// allocate the same number.
func (s *Store) UpdateToolSource(
	ctx context.Context, id, source, versionDescription string,
	schema map[string]any, newStatus storage.ApprovalStatus,
) (*storage.Tool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	encoded, err := encodeSchema(schema)
	if err != nil {
		return nil, err
	}

	ts := now()
	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE tools SET
			current_version = current_version + 1,
			source = ?, input_schema = jsonb(?),
			approval_status = ?, enabled = 0, updated_at = ?
		WHERE id = ?
		RETURNING current_version`,
		source, encoded, string(newStatus), formatTime(ts), id,
	).Scan(&version)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("tool not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("updating tool source: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_versions (tool_id, version_number, source, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, version, source, versionDescription, formatTime(ts),
	); err != nil {
		return nil, fmt.Errorf("inserting tool version: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	tool, err := scanTool(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return tool, nil
}

// SetToolEnabled toggles a tool. The UPDATE is guarded by the approval
// status so an unapproved tool can never become enabled, even under
// concurrent approval changes.
func (s *Store) SetToolEnabled(ctx context.Context, id string, enabled bool) error {
	var res sql.Result
	var err error
	if enabled {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tools SET enabled = 1, updated_at = ? WHERE id = ? AND approval_status = ?`,
			formatTime(now()), id, string(storage.ApprovalApproved))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tools SET enabled = 0, updated_at = ? WHERE id = ?`,
			formatTime(now()), id)
	}
	if err != nil {
		return fmt.Errorf("updating tool enabled flag: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing tool from a failed approval guard.
		if _, getErr := s.GetTool(ctx, id); getErr != nil {
			return getErr
		}
		return errors.NewPreconditionError("tool is not approved", nil)
	}
	return nil
}

// SetApprovalStatus moves a tool's review state. Leaving the approved state
// always disables the tool so the enabled-implies-approved invariant holds.
func (s *Store) SetApprovalStatus(ctx context.Context, id string, status storage.ApprovalStatus) error {
	query := `UPDATE tools SET approval_status = ?, updated_at = ? WHERE id = ?`
	if status != storage.ApprovalApproved {
		query = `UPDATE tools SET approval_status = ?, enabled = 0, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, string(status), formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("updating approval status: %w", err)
	}
	return requireAffected(res, "tool")
}

// DeleteTool removes a tool. Versions cascade.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tool: %w", err)
	}
	return requireAffected(res, "tool")
}

// ListVersions returns one page of a tool's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, toolID string, page storage.Page) ([]*storage.ToolVersion, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_versions WHERE tool_id = ?`, toolID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting versions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_id, version_number, source, description, created_at
		FROM tool_versions WHERE tool_id = ?
		ORDER BY version_number DESC LIMIT ? OFFSET ?`,
		toolID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("querying versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*storage.ToolVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating version rows: %w", err)
	}
	return versions, total, nil
}

// GetVersion retrieves one version of a tool.
func (s *Store) GetVersion(ctx context.Context, toolID string, version int) (*storage.ToolVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_id, version_number, source, description, created_at
		FROM tool_versions WHERE tool_id = ? AND version_number = ?`,
		toolID, version)
	return scanVersion(row)
}

func collectTools(rows *sql.Rows) ([]*storage.Tool, error) {
	var tools []*storage.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return tools, nil
}

func scanTool(sc scanner) (*storage.Tool, error) {
	var (
		tool                 storage.Tool
		toolType, status     string
		schemaBlob           []byte
		createdAt, updatedAt string
	)
	err := sc.Scan(
		&tool.ID, &tool.ServerID, &tool.Name, &tool.Description, &tool.Enabled,
		&tool.TimeoutMS, &toolType, &tool.Source, &tool.ExternalSourceID,
		&tool.ExternalToolName, &schemaBlob, &status, &tool.CurrentVersion,
		&createdAt, &updatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("tool not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tool row: %w", err)
	}

	tool.ToolType = storage.ToolType(toolType)
	tool.ApprovalStatus = storage.ApprovalStatus(status)
	if len(schemaBlob) > 0 {
		if err := json.Unmarshal(schemaBlob, &tool.InputSchema); err != nil {
			return nil, fmt.Errorf("decoding input schema: %w", err)
		}
	}
	if tool.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tool.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tool, nil
}

func scanVersion(sc scanner) (*storage.ToolVersion, error) {
	var (
		v         storage.ToolVersion
		createdAt string
	)
	err := sc.Scan(&v.ToolID, &v.VersionNumber, &v.Source, &v.Description, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("tool version not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning version row: %w", err)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeSchema(schema map[string]any) (string, error) {
	if schema == nil {
		return "{}", nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("marshaling input schema: %w", err)
	}
	return string(data), nil
}
