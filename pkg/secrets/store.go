// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"

	"github.com/mcpbox/mcpbox/pkg/storage"
)

// AAD layouts. Changing these invalidates every stored ciphertext.
const (
	serverSecretAAD  = "server_secret:%s:%s"
	oauthRefreshAAD  = "external_oauth_refresh:%s"
	oauthVerifierAAD = "external_oauth_verifier:%s"
)

// Store encrypts and decrypts server secrets and OAuth artifacts with a
// single master key. Cleartext only ever lives in memory.
type Store struct {
	key     []byte
	backend storage.SecretStore
}

// NewStore creates a secret store over the persistence backend.
func NewStore(masterKey []byte, backend storage.SecretStore) *Store {
	return &Store{key: masterKey, backend: backend}
}

// Set encrypts value and upserts it as a server secret.
func (s *Store) Set(ctx context.Context, serverID, keyName, value string) error {
	aad := fmt.Sprintf(serverSecretAAD, serverID, keyName)
	ciphertext, err := Encrypt(s.key, []byte(value), aad)
	if err != nil {
		return err
	}
	return s.backend.UpsertSecret(ctx, &storage.ServerSecret{
		ServerID:   serverID,
		KeyName:    keyName,
		Ciphertext: ciphertext,
	})
}

// Get decrypts one server secret.
func (s *Store) Get(ctx context.Context, serverID, keyName string) (string, error) {
	secret, err := s.backend.GetSecret(ctx, serverID, keyName)
	if err != nil {
		return "", err
	}
	plaintext, err := Decrypt(s.key, secret.Ciphertext,
		fmt.Sprintf(serverSecretAAD, serverID, keyName))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Delete removes one server secret.
func (s *Store) Delete(ctx context.Context, serverID, keyName string) error {
	return s.backend.DeleteSecret(ctx, serverID, keyName)
}

// ListNames returns the key names of a server's secrets, never values.
func (s *Store) ListNames(ctx context.Context, serverID string) ([]string, error) {
	stored, err := s.backend.ListSecrets(ctx, serverID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stored))
	for _, secret := range stored {
		names = append(names, secret.KeyName)
	}
	return names, nil
}

// ViewForServer decrypts every secret of a server into an immutable view for
// one tool invocation. Callers must Zero it when the invocation finishes.
func (s *Store) ViewForServer(ctx context.Context, serverID string) (*View, error) {
	stored, err := s.backend.ListSecrets(ctx, serverID)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(stored))
	for _, secret := range stored {
		plaintext, err := Decrypt(s.key, secret.Ciphertext,
			fmt.Sprintf(serverSecretAAD, serverID, secret.KeyName))
		if err != nil {
			return nil, fmt.Errorf("decrypting secret %q: %w", secret.KeyName, err)
		}
		values[secret.KeyName] = string(plaintext)
	}
	return &View{values: values}, nil
}

// EncryptOAuthRefresh seals an OAuth refresh token bound to its source.
func (s *Store) EncryptOAuthRefresh(sourceID, token string) (string, error) {
	return Encrypt(s.key, []byte(token), fmt.Sprintf(oauthRefreshAAD, sourceID))
}

// DecryptOAuthRefresh opens a sealed refresh token.
func (s *Store) DecryptOAuthRefresh(sourceID, ciphertext string) (string, error) {
	plaintext, err := Decrypt(s.key, ciphertext, fmt.Sprintf(oauthRefreshAAD, sourceID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptOAuthVerifier seals a PKCE code verifier bound to its source.
func (s *Store) EncryptOAuthVerifier(sourceID, verifier string) (string, error) {
	return Encrypt(s.key, []byte(verifier), fmt.Sprintf(oauthVerifierAAD, sourceID))
}

// DecryptOAuthVerifier opens a sealed PKCE code verifier.
func (s *Store) DecryptOAuthVerifier(sourceID, ciphertext string) (string, error) {
	plaintext, err := Decrypt(s.key, ciphertext, fmt.Sprintf(oauthVerifierAAD, sourceID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
