// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package interp

import "strings"

// Redacted replaces secret values wherever they appear in logged output.
const Redacted = "[REDACTED]"

// redactor scrubs secret values out of anything that leaves the sandbox in
// logs or responses.
type redactor struct {
	replacer *strings.Replacer
	active   bool
}

func newRedactor(secrets map[string]string) *redactor {
	var pairs []string
	for _, value := range secrets {
		if value != "" {
			pairs = append(pairs, value, Redacted)
		}
	}
	if len(pairs) == 0 {
		return &redactor{}
	}
	return &redactor{replacer: strings.NewReplacer(pairs...), active: true}
}

func (r *redactor) String(s string) string {
	if !r.active {
		return s
	}
	return r.replacer.Replace(s)
}

// Value walks a JSON-shaped value and redacts every string in it.
func (r *redactor) Value(v any) any {
	if !r.active {
		return v
	}
	switch typed := v.(type) {
	case string:
		return r.replacer.Replace(typed)
	case []any:
		for i, item := range typed {
			typed[i] = r.Value(item)
		}
		return typed
	case map[string]any:
		for k, item := range typed {
			typed[k] = r.Value(item)
		}
		return typed
	default:
		return v
	}
}
