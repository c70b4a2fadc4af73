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

const sourceColumns = `id, server_id, name, url, transport,
	auth, auth_secret_name, auth_header_name,
	issuer, client_id, refresh_token_ciphertext, code_verifier_ciphertext, authenticated,
	status, last_discovered_at, tool_count, json(tools), created_at, updated_at`

// CreateSource inserts a new external MCP source.
func (s *Store) CreateSource(ctx context.Context, source *storage.ExternalSource) error {
	ts := now()
	source.CreatedAt = ts
	source.UpdatedAt = ts
	if source.Status == "" {
		source.Status = "new"
	}
	tools, err := encodeExternalTools(source.Tools)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_sources (
			id, server_id, name, url, transport,
			auth, auth_secret_name, auth_header_name,
			issuer, client_id, refresh_token_ciphertext, code_verifier_ciphertext, authenticated,
			status, last_discovered_at, tool_count, tools, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, jsonb(?), ?, ?)`,
		source.ID, source.ServerID, source.Name, source.URL, string(source.Transport),
		string(source.Auth), source.AuthSecretName, source.AuthHeaderName,
		source.Issuer, source.ClientID, source.RefreshTokenCiphertext,
		source.CodeVerifierCiphertext, source.Authenticated,
		source.Status, formatNullableTime(source.LastDiscoveredAt),
		source.ToolCount, tools, formatTime(ts), formatTime(ts),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError(
				fmt.Sprintf("external source %q already exists", source.Name), err)
		}
		return fmt.Errorf("inserting external source: %w", err)
	}
	return nil
}

// GetSource retrieves an external source by id.
func (s *Store) GetSource(ctx context.Context, id string) (*storage.ExternalSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM external_sources WHERE id = ?`, id)
	return scanSource(row)
}

// ListSources returns one page of a server's external sources ordered by name.
func (s *Store) ListSources(
	ctx context.Context, serverID string, page storage.Page,
) ([]*storage.ExternalSource, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM external_sources WHERE server_id = ?`,
		serverID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting external sources: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM external_sources
		WHERE server_id = ? ORDER BY name LIMIT ? OFFSET ?`,
		serverID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("querying external sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*storage.ExternalSource
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, 0, err
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating source rows: %w", err)
	}
	return sources, total, nil
}

// UpdateSource updates source connection attributes. Discovery results and
// OAuth artifacts are written by their dedicated setters.
func (s *Store) UpdateSource(ctx context.Context, source *storage.ExternalSource) error {
	source.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_sources SET
			name = ?, url = ?, transport = ?,
			auth = ?, auth_secret_name = ?, auth_header_name = ?,
			issuer = ?, client_id = ?, updated_at = ?
		WHERE id = ?`,
		source.Name, source.URL, string(source.Transport),
		string(source.Auth), source.AuthSecretName, source.AuthHeaderName,
		source.Issuer, source.ClientID, formatTime(source.UpdatedAt), source.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError(
				fmt.Sprintf("external source %q already exists", source.Name), err)
		}
		return fmt.Errorf("updating external source: %w", err)
	}
	return requireAffected(res, "external source")
}

// DeleteSource removes an external source.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM external_sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting external source: %w", err)
	}
	return requireAffected(res, "external source")
}

// SetDiscovered stores the tool list reported by the remote server and stamps
// the discovery time.
func (s *Store) SetDiscovered(ctx context.Context, id string, tools []storage.ExternalTool) error {
	encoded, err := encodeExternalTools(tools)
	if err != nil {
		return err
	}
	ts := formatTime(now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_sources SET
			tools = jsonb(?), tool_count = ?, last_discovered_at = ?,
			status = 'discovered', updated_at = ?
		WHERE id = ?`,
		encoded, len(tools), ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("storing discovered tools: %w", err)
	}
	return requireAffected(res, "external source")
}

// SetOAuthArtifacts stores the encrypted refresh token and PKCE verifier.
func (s *Store) SetOAuthArtifacts(
	ctx context.Context, id, refreshCiphertext, verifierCiphertext string, authenticated bool,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_sources SET
			refresh_token_ciphertext = ?, code_verifier_ciphertext = ?,
			authenticated = ?, updated_at = ?
		WHERE id = ?`,
		refreshCiphertext, verifierCiphertext, authenticated, formatTime(now()), id,
	)
	if err != nil {
		return fmt.Errorf("storing oauth artifacts: %w", err)
	}
	return requireAffected(res, "external source")
}

// SetAuthenticated flips the authenticated flag.
func (s *Store) SetAuthenticated(ctx context.Context, id string, authenticated bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE external_sources SET authenticated = ?, updated_at = ? WHERE id = ?`,
		authenticated, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("updating authenticated flag: %w", err)
	}
	return requireAffected(res, "external source")
}

// SetSourceStatus transitions the source status.
func (s *Store) SetSourceStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE external_sources SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("updating source status: %w", err)
	}
	return requireAffected(res, "external source")
}

func scanSource(sc scanner) (*storage.ExternalSource, error) {
	var (
		source               storage.ExternalSource
		transport, auth      string
		lastDiscoveredAt     sql.NullString
		toolsBlob            []byte
		createdAt, updatedAt string
	)
	err := sc.Scan(
		&source.ID, &source.ServerID, &source.Name, &source.URL, &transport,
		&auth, &source.AuthSecretName, &source.AuthHeaderName,
		&source.Issuer, &source.ClientID, &source.RefreshTokenCiphertext,
		&source.CodeVerifierCiphertext, &source.Authenticated,
		&source.Status, &lastDiscoveredAt, &source.ToolCount, &toolsBlob,
		&createdAt, &updatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("external source not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning source row: %w", err)
	}

	source.Transport = storage.TransportType(transport)
	source.Auth = storage.AuthType(auth)
	if len(toolsBlob) > 0 {
		if err := json.Unmarshal(toolsBlob, &source.Tools); err != nil {
			return nil, fmt.Errorf("unmarshaling tools: %w", err)
		}
	}
	if source.LastDiscoveredAt, err = parseNullableTime(lastDiscoveredAt); err != nil {
		return nil, err
	}
	if source.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if source.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &source, nil
}

func encodeExternalTools(tools []storage.ExternalTool) (string, error) {
	if tools == nil {
		tools = []storage.ExternalTool{}
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("marshaling tools: %w", err)
	}
	return string(data), nil
}
