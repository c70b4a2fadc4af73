// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	stderrors "errors"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

const serverColumns = `id, name, description, status, network_mode,
	default_timeout_ms, json(allowed_hosts), error_message, created_at, updated_at`

// CreateServer inserts a new server.
func (s *Store) CreateServer(ctx context.Context, server *storage.Server) error {
	ts := now()
	server.CreatedAt = ts
	server.UpdatedAt = ts
	hosts, err := encodeStrings(server.AllowedHosts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (
			id, name, description, status, network_mode,
			default_timeout_ms, allowed_hosts, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, jsonb(?), ?, ?, ?)`,
		server.ID, server.Name, server.Description, string(server.Status),
		string(server.NetworkMode), server.DefaultTimeoutMS, hosts,
		server.ErrorMessage, formatTime(ts), formatTime(ts),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError(fmt.Sprintf("server %q already exists", server.Name), err)
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// GetServer retrieves a server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*storage.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// GetServerByName retrieves a server by its unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*storage.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

// ListServers returns one page of servers ordered by name, plus the total.
func (s *Store) ListServers(ctx context.Context, page storage.Page) ([]*storage.Server, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting servers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name LIMIT ? OFFSET ?`,
		page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	servers, err := collectServers(rows)
	if err != nil {
		return nil, 0, err
	}
	return servers, total, nil
}

// ListServersByStatus returns every server in the given state.
func (s *Store) ListServersByStatus(ctx context.Context, status storage.ServerStatus) ([]*storage.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE status = ? ORDER BY name`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("querying servers by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectServers(rows)
}

// UpdateServer updates mutable server attributes.
func (s *Store) UpdateServer(ctx context.Context, server *storage.Server) error {
	server.UpdatedAt = now()
	hosts, err := encodeStrings(server.AllowedHosts)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET
			name = ?, description = ?, status = ?, network_mode = ?,
			default_timeout_ms = ?, allowed_hosts = jsonb(?), error_message = ?,
			updated_at = ?
		WHERE id = ?`,
		server.Name, server.Description, string(server.Status),
		string(server.NetworkMode), server.DefaultTimeoutMS, hosts,
		server.ErrorMessage, formatTime(server.UpdatedAt), server.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError(fmt.Sprintf("server %q already exists", server.Name), err)
		}
		return fmt.Errorf("updating server: %w", err)
	}
	return requireAffected(res, "server")
}

// UpdateServerStatus transitions the server status.
func (s *Store) UpdateServerStatus(ctx context.Context, id string, status storage.ServerStatus, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}
	return requireAffected(res, "server")
}

// DeleteServer removes a server. Foreign keys cascade to tools, versions,
// secrets, approval requests and external sources.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return requireAffected(res, "server")
}

// AddAllowedHost appends a host to the server's egress allowlist. Adding a
// host that is already present is a no-op.
func (s *Store) AddAllowedHost(ctx context.Context, id, host string) error {
	return s.mutateAllowedHosts(ctx, id, func(hosts []string) []string {
		if slices.Contains(hosts, host) {
			return hosts
		}
		return append(hosts, host)
	})
}

// RemoveAllowedHost removes a host from the server's egress allowlist.
func (s *Store) RemoveAllowedHost(ctx context.Context, id, host string) error {
	return s.mutateAllowedHosts(ctx, id, func(hosts []string) []string {
		return slices.DeleteFunc(hosts, func(h string) bool { return h == host })
	})
}

func (s *Store) mutateAllowedHosts(ctx context.Context, id string, mutate func([]string) []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT json(allowed_hosts) FROM servers WHERE id = ?`, id).Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("server not found", nil)
	}
	if err != nil {
		return fmt.Errorf("reading allowed hosts: %w", err)
	}

	hosts, err := decodeStrings(raw)
	if err != nil {
		return err
	}
	encoded, err := encodeStrings(mutate(hosts))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE servers SET allowed_hosts = jsonb(?), updated_at = ? WHERE id = ?`,
		encoded, formatTime(now()), id); err != nil {
		return fmt.Errorf("writing allowed hosts: %w", err)
	}
	return tx.Commit()
}

func collectServers(rows *sql.Rows) ([]*storage.Server, error) {
	var servers []*storage.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return servers, nil
}

func scanServer(sc scanner) (*storage.Server, error) {
	var (
		server               storage.Server
		status, mode         string
		hostsBlob            []byte
		createdAt, updatedAt string
	)
	err := sc.Scan(
		&server.ID, &server.Name, &server.Description, &status, &mode,
		&server.DefaultTimeoutMS, &hostsBlob, &server.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("server not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server row: %w", err)
	}

	server.Status = storage.ServerStatus(status)
	server.NetworkMode = storage.NetworkMode(mode)
	if server.AllowedHosts, err = decodeStrings(hostsBlob); err != nil {
		return nil, err
	}
	if server.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if server.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &server, nil
}

func requireAffected(res sql.Result, entity string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError(entity+" not found", nil)
	}
	return nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

func decodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}
