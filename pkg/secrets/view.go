// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"strings"
	"sync"
)

// Redacted replaces secret values wherever they appear in persisted text.
const Redacted = "[REDACTED]"

// View is a read-only snapshot of one server's decrypted secrets, scoped to a
// single tool invocation.
type View struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewView builds a view from pre-decrypted values. Intended for tests and the
// sandbox service, which receives cleartext over its internal API.
func NewView(values map[string]string) *View {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &View{values: copied}
}

// Get returns the secret value for name.
func (v *View) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.values[name]
	return value, ok
}

// Names returns the secret names in the view.
func (v *View) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.values))
	for name := range v.values {
		names = append(names, name)
	}
	return names
}

// Values returns a copy of the whole view. Used by the redactor, which needs
// every value to scrub logs.
func (v *View) Values() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	copied := make(map[string]string, len(v.values))
	for k, val := range v.values {
		copied[k] = val
	}
	return copied
}

// Redact returns s with every secret value in the view replaced by
// Redacted. Empty values never match.
func (v *View) Redact(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if s == "" || len(v.values) == 0 {
		return s
	}
	pairs := make([]string, 0, 2*len(v.values))
	for _, value := range v.values {
		if value != "" {
			pairs = append(pairs, value, Redacted)
		}
	}
	if len(pairs) == 0 {
		return s
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Zero drops the cleartext after an invocation. Go strings are immutable, so
// this releases references for collection rather than wiping pages; callers
// must not use the view afterwards.
func (v *View) Zero() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.values {
		delete(v.values, k)
	}
	v.values = nil
}
