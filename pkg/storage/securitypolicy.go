// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// SettingSecurityPolicy is the settings key the policy persists under.
const SettingSecurityPolicy = "security_policy"

// PolicyMode selects who may call the gateway in remote mode.
type PolicyMode string

// Security policy modes.
const (
	PolicyEveryone PolicyMode = "everyone"
	PolicyEmails   PolicyMode = "emails"
	PolicyDomain   PolicyMode = "domain"
)

// SecurityPolicy is the gateway's remote-access policy. The zero value
// permits nobody; a fresh installation stores PolicyEveryone.
type SecurityPolicy struct {
	Mode   PolicyMode `json:"mode"`
	Emails []string   `json:"emails,omitempty"`
	Domain string     `json:"domain,omitempty"`
}

// Validate checks mode-specific requirements.
func (p *SecurityPolicy) Validate() error {
	switch p.Mode {
	case PolicyEveryone:
		return nil
	case PolicyEmails:
		if len(p.Emails) == 0 {
			return errors.NewValidationError("emails mode requires at least one email", nil)
		}
		return nil
	case PolicyDomain:
		if p.Domain == "" {
			return errors.NewValidationError("domain mode requires a domain", nil)
		}
		return nil
	default:
		return errors.NewValidationError("unknown security policy mode", nil)
	}
}

// Permits reports whether the verified email may call the gateway.
func (p *SecurityPolicy) Permits(email string) bool {
	switch p.Mode {
	case PolicyEveryone:
		return true
	case PolicyEmails:
		for _, allowed := range p.Emails {
			if strings.EqualFold(allowed, email) {
				return true
			}
		}
		return false
	case PolicyDomain:
		domain := strings.TrimPrefix(strings.ToLower(p.Domain), "@")
		return strings.HasSuffix(strings.ToLower(email), "@"+domain)
	default:
		return false
	}
}

// LoadSecurityPolicy reads the persisted policy; a missing setting yields
// the permissive default.
func LoadSecurityPolicy(ctx context.Context, store SettingsStore) (*SecurityPolicy, error) {
	raw, err := store.GetSetting(ctx, SettingSecurityPolicy)
	if errors.IsNotFound(err) {
		return &SecurityPolicy{Mode: PolicyEveryone}, nil
	}
	if err != nil {
		return nil, err
	}
	var policy SecurityPolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return nil, errors.NewInternalError("corrupt security policy setting", err)
	}
	return &policy, nil
}

// SaveSecurityPolicy validates and persists the policy.
func SaveSecurityPolicy(ctx context.Context, store SettingsStore, policy *SecurityPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return errors.NewInternalError("failed to encode security policy", err)
	}
	return store.SetSetting(ctx, SettingSecurityPolicy, string(raw))
}
