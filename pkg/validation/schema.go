// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package validation

import "strings"

// jsonTypeFor maps an annotation spelling to a JSON Schema type keyword.
// Subscripted forms ("dict[str, int]", "list[str]") map through their base.
// Unknown spellings return "" and the parameter stays unconstrained.
func jsonTypeFor(annotation string) string {
	base := annotation
	if i := strings.IndexByte(base, '['); i >= 0 {
		base = base[:i]
	}
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "str":
		return "string"
	case "int":
		return "integer"
	case "float":
		return "number"
	case "bool":
		return "boolean"
	case "dict":
		return "object"
	case "list":
		return "array"
	}
	return ""
}

// BuildInputSchema derives a draft-07 object schema from an entry point's
// parameter list. Every parameter without a default is required. Variadic
// parameters never become named properties.
func BuildInputSchema(params []Param) map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range params {
		if p.Star != "" {
			continue
		}
		property := map[string]any{}
		if t := jsonTypeFor(p.Type); t != "" {
			property["type"] = t
		}
		properties[p.Name] = property
		if !p.HasDefault {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
