// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets encrypts per-server secrets with AES-256-GCM and exposes
// read-only views of the cleartext to the executor. The additional data binds
// every ciphertext to its owner, so a row copied to another server or key
// fails authentication instead of decrypting.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// Encrypt seals plaintext with AES-256-GCM under key, binding it to aad.
// The output is base64(nonce || ciphertext || tag).
func Encrypt(key, plaintext []byte, aad string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(aad))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong key, tampered
// ciphertext, or mismatched aad is reported as a security error.
func Decrypt(key []byte, ciphertext, aad string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errors.NewSecurityError("malformed ciphertext", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.NewSecurityError("ciphertext too short", nil)
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return nil, errors.NewSecurityError("secret failed integrity check", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.NewValidationError("encryption key must be 32 bytes", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}
