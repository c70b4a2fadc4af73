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

// UpsertSecret stores or replaces one secret ciphertext.
func (s *Store) UpsertSecret(ctx context.Context, secret *storage.ServerSecret) error {
	secret.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_secrets (server_id, key_name, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server_id, key_name)
		DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		secret.ServerID, secret.KeyName, secret.Ciphertext, formatTime(secret.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting secret: %w", err)
	}
	return nil
}

// GetSecret retrieves one secret ciphertext.
func (s *Store) GetSecret(ctx context.Context, serverID, keyName string) (*storage.ServerSecret, error) {
	var (
		secret    storage.ServerSecret
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, key_name, ciphertext, updated_at
		FROM server_secrets WHERE server_id = ? AND key_name = ?`,
		serverID, keyName,
	).Scan(&secret.ServerID, &secret.KeyName, &secret.Ciphertext, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("secret not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning secret row: %w", err)
	}
	if secret.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &secret, nil
}

// ListSecrets returns every secret of a server ordered by key name.
func (s *Store) ListSecrets(ctx context.Context, serverID string) ([]*storage.ServerSecret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, key_name, ciphertext, updated_at
		FROM server_secrets WHERE server_id = ? ORDER BY key_name`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var secrets []*storage.ServerSecret
	for rows.Next() {
		var (
			secret    storage.ServerSecret
			updatedAt string
		)
		if err := rows.Scan(&secret.ServerID, &secret.KeyName, &secret.Ciphertext, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning secret row: %w", err)
		}
		if secret.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		secrets = append(secrets, &secret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating secret rows: %w", err)
	}
	return secrets, nil
}

// DeleteSecret removes one secret.
func (s *Store) DeleteSecret(ctx context.Context, serverID, keyName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM server_secrets WHERE server_id = ? AND key_name = ?`,
		serverID, keyName)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return requireAffected(res, "secret")
}
