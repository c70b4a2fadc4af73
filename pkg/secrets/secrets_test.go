// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	key := testKey()

	ct, err := Encrypt(key, []byte("hunter2"), "server_secret:s1:API_KEY")
	require.NoError(t, err)

	pt, err := Decrypt(key, ct, "server_secret:s1:API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(pt))

	// Nonces are random, so two encryptions of the same value differ.
	ct2, err := Encrypt(key, []byte("hunter2"), "server_secret:s1:API_KEY")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestDecryptRejectsAADMismatch(t *testing.T) {
	t.Parallel()
	key := testKey()

	ct, err := Encrypt(key, []byte("hunter2"), "server_secret:s1:API_KEY")
	require.NoError(t, err)

	// A ciphertext moved to a different server or key name must not open.
	_, err = Decrypt(key, ct, "server_secret:s2:API_KEY")
	assert.True(t, errors.IsSecurity(err))
	_, err = Decrypt(key, ct, "server_secret:s1:OTHER")
	assert.True(t, errors.IsSecurity(err))
}

func TestDecryptRejectsWrongKeyAndGarbage(t *testing.T) {
	t.Parallel()

	ct, err := Encrypt(testKey(), []byte("x"), "aad")
	require.NoError(t, err)

	other := bytes.Repeat([]byte{0x43}, 32)
	_, err = Decrypt(other, ct, "aad")
	assert.True(t, errors.IsSecurity(err))

	_, err = Decrypt(testKey(), "not base64!!!", "aad")
	assert.True(t, errors.IsSecurity(err))

	_, err = Decrypt(testKey(), "AAAA", "aad")
	assert.True(t, errors.IsSecurity(err))
}

func TestEncryptRejectsShortKey(t *testing.T) {
	t.Parallel()
	_, err := Encrypt([]byte("short"), []byte("x"), "aad")
	assert.True(t, errors.IsValidation(err))
}

type memSecretStore struct {
	secrets map[string]*storage.ServerSecret
}

func newMemSecretStore() *memSecretStore {
	return &memSecretStore{secrets: map[string]*storage.ServerSecret{}}
}

func (m *memSecretStore) UpsertSecret(_ context.Context, s *storage.ServerSecret) error {
	copied := *s
	m.secrets[s.ServerID+"/"+s.KeyName] = &copied
	return nil
}

func (m *memSecretStore) GetSecret(_ context.Context, serverID, keyName string) (*storage.ServerSecret, error) {
	s, ok := m.secrets[serverID+"/"+keyName]
	if !ok {
		return nil, errors.NewNotFoundError("secret not found", nil)
	}
	return s, nil
}

func (m *memSecretStore) ListSecrets(_ context.Context, serverID string) ([]*storage.ServerSecret, error) {
	var out []*storage.ServerSecret
	for _, s := range m.secrets {
		if s.ServerID == serverID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSecretStore) DeleteSecret(_ context.Context, serverID, keyName string) error {
	key := serverID + "/" + keyName
	if _, ok := m.secrets[key]; !ok {
		return errors.NewNotFoundError("secret not found", nil)
	}
	delete(m.secrets, key)
	return nil
}

func TestStoreViewForServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(testKey(), newMemSecretStore())

	require.NoError(t, store.Set(ctx, "s1", "API_KEY", "hunter2"))
	require.NoError(t, store.Set(ctx, "s1", "DB_URL", "postgres://x"))
	require.NoError(t, store.Set(ctx, "s2", "API_KEY", "other"))

	view, err := store.ViewForServer(ctx, "s1")
	require.NoError(t, err)

	value, ok := view.Get("API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", value)
	assert.ElementsMatch(t, []string{"API_KEY", "DB_URL"}, view.Names())

	// Other servers' secrets never leak into the view.
	_, ok = view.Get("other")
	assert.False(t, ok)

	view.Zero()
	_, ok = view.Get("API_KEY")
	assert.False(t, ok)
}

func TestStoreGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(testKey(), newMemSecretStore())

	require.NoError(t, store.Set(ctx, "s1", "API_KEY", "hunter2"))
	got, err := store.Get(ctx, "s1", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	names, err := store.ListNames(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, names)
}

func TestOAuthArtifactAADs(t *testing.T) {
	t.Parallel()
	store := NewStore(testKey(), newMemSecretStore())

	refreshCT, err := store.EncryptOAuthRefresh("src1", "refresh-token")
	require.NoError(t, err)
	got, err := store.DecryptOAuthRefresh("src1", refreshCT)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", got)

	// The refresh AAD and the verifier AAD are distinct even for one source.
	_, err = store.DecryptOAuthVerifier("src1", refreshCT)
	assert.True(t, errors.IsSecurity(err))
	_, err = store.DecryptOAuthRefresh("src2", refreshCT)
	assert.True(t, errors.IsSecurity(err))
}

func TestViewRedact(t *testing.T) {
	t.Parallel()
	view := NewView(map[string]string{
		"API_KEY": "hunter2",
		"EMPTY":   "",
		"TOKEN":   "tok-123",
	})

	got := view.Redact(`{"token":"tok-123","note":"hunter2 says hi"}`)
	assert.NotContains(t, got, "hunter2")
	assert.NotContains(t, got, "tok-123")
	assert.Equal(t, `{"token":"[REDACTED]","note":"[REDACTED] says hi"}`, got)

	// Empty values never match, and untouched text passes through.
	assert.Equal(t, "plain text", view.Redact("plain text"))
	assert.Equal(t, "", view.Redact(""))

	// A zeroed view has nothing left to redact.
	view.Zero()
	assert.Equal(t, "hunter2", view.Redact("hunter2"))
}
