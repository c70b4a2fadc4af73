// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// Authenticator checks admin credentials against the configured username and
// bcrypt password hash.
type Authenticator struct {
	username     []byte
	passwordHash []byte
}

// NewAuthenticator creates an authenticator. The hash must be a bcrypt hash;
// it is checked once so misconfiguration fails at boot, not at first login.
func NewAuthenticator(username, passwordHash string) (*Authenticator, error) {
	if username == "" || passwordHash == "" {
		return nil, errors.NewValidationError(
			"admin username and password hash are required", nil)
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, errors.NewValidationError(
			"admin password hash is not a bcrypt hash", err)
	}
	return &Authenticator{
		username:     []byte(username),
		passwordHash: []byte(passwordHash),
	}, nil
}

// Login verifies the credentials. The failure message never says which part
// was wrong.
func (a *Authenticator) Login(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), a.username) == 1
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return errors.NewAuthzError("invalid credentials", nil)
	}
	return nil
}

// HashPassword produces a bcrypt hash for the keygen command.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.NewValidationError("password must not be empty", nil)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.NewInternalError("failed to hash password", err)
	}
	return string(hash), nil
}
