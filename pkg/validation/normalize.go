// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Param describes one parameter of a top-level function.
type Param struct {
	// Name is the parameter identifier.
	Name string `json:"name"`
	// Type is the literal annotation spelling ("str", "dict[str, int]").
	// Empty when the parameter is unannotated.
	Type string `json:"type,omitempty"`
	// HasDefault reports whether the parameter declares a default value.
	HasDefault bool `json:"has_default,omitempty"`
	// Star is "*" or "**" for variadic parameters, empty otherwise.
	Star string `json:"-"`
}

// Function describes one top-level function found during normalization.
type Function struct {
	Name   string
	Async  bool
	Params []Param
	Line   int
}

// Normalized is the result of rewriting guest source into the executable
// dialect. The rewrite preserves line numbers so execution errors map back
// to the submitted source.
type Normalized struct {
	Source    string
	Functions []Function
}

// edit replaces original[start:end) with text. Newlines inside the replaced
// region are re-emitted so line numbers never shift.
type edit struct {
	start, end int
	text       string
}

var (
	importLineRe     = regexp.MustCompile(`^([ \t]*)import[ \t]+(.+?)[ \t]*$`)
	fromImportLineRe = regexp.MustCompile(`^([ \t]*)from[ \t]+([A-Za-z_][\w.]*)[ \t]+import[ \t]+(.+?)[ \t]*$`)
	defHeaderRe      = regexp.MustCompile(`(?m)^([ \t]*)(async[ \t]+)?def[ \t]+([A-Za-z_][A-Za-z0-9_]*)[ \t]*\(`)
	awaitRe          = regexp.MustCompile(`\bawait[ \t]+`)
	identRe          = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Normalize rewrites guest source into the executable dialect:
//
//   - "async def" becomes "def" and "await expr" becomes "expr" (the entry
//     point is invoked synchronously inside the interpreter; asynchrony is
//     a declaration, not a semantic);
//   - parameter and return annotations are stripped, after being captured
//     for schema derivation;
//   - import statements become _require() assignments so every module load
//     passes through the module policy at call time.
//
// The rewrite never adds or removes lines.
func Normalize(source string) (*Normalized, error) {
	masked := maskLiterals(source)

	edits, err := importEdits(source, masked)
	if err != nil {
		return nil, err
	}

	defEdits, funcs, err := defHeaderEdits(source, masked)
	if err != nil {
		return nil, err
	}
	edits = append(edits, defEdits...)

	for _, loc := range awaitRe.FindAllStringIndex(masked, -1) {
		edits = append(edits, edit{start: loc[0], end: loc[1]})
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var out strings.Builder
	out.Grow(len(source))
	pos := 0
	for _, e := range edits {
		if e.start < pos {
			return nil, fmt.Errorf("conflicting rewrites at offset %d", e.start)
		}
		out.WriteString(source[pos:e.start])
		out.WriteString(e.text)
		for _, c := range source[e.start:e.end] {
			if c == '\n' {
				out.WriteByte('\n')
			}
		}
		pos = e.end
	}
	out.WriteString(source[pos:])

	return &Normalized{Source: out.String(), Functions: funcs}, nil
}

// maskLiterals returns a same-length copy of src with comment text and
// string literal contents replaced by spaces. Newlines are preserved so
// offsets and line numbers in the mask match the original.
func maskLiterals(src string) string {
	b := []byte(src)
	out := make([]byte, len(b))
	copy(out, b)

	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case c == '#':
			for i < len(b) && b[i] != '\n' {
				out[i] = ' '
				i++
			}
		case c == '"' || c == '\'':
			quote := c
			triple := i+2 < len(b) && b[i+1] == quote && b[i+2] == quote
			start := i
			if triple {
				i += 3
			} else {
				i++
			}
			for i < len(b) {
				if b[i] == '\\' && i+1 < len(b) {
					i += 2
					continue
				}
				if triple {
					if b[i] == quote && i+2 < len(b) && b[i+1] == quote && b[i+2] == quote {
						i += 3
						break
					}
				} else if b[i] == quote {
					i++
					break
				} else if b[i] == '\n' {
					// Unterminated single-quoted string; stop masking at EOL
					// and let the parser report it.
					break
				}
				i++
			}
			for j := start; j < i && j < len(out); j++ {
				if out[j] != '\n' {
					out[j] = ' '
				}
			}
		default:
			i++
		}
	}
	return string(out)
}

// importEdits rewrites import statements, one physical line at a time.
// Matching happens on the masked text so imports inside string literals
// are left alone; the rewritten clause is read from the original source.
func importEdits(src, masked string) ([]edit, error) {
	var edits []edit
	offset := 0
	for _, line := range strings.SplitAfter(masked, "\n") {
		trimmed := strings.TrimSuffix(line, "\n")
		lineStart := offset
		offset += len(line)

		var replacement string
		var matched bool
		if m := fromImportLineRe.FindStringSubmatchIndex(trimmed); m != nil {
			indent := trimmed[m[2]:m[3]]
			module := trimmed[m[4]:m[5]]
			clause := src[lineStart+m[6] : lineStart+m[7]]
			r, err := rewriteFromImport(indent, module, clause)
			if err != nil {
				return nil, err
			}
			replacement, matched = r, true
		} else if m := importLineRe.FindStringSubmatchIndex(trimmed); m != nil {
			indent := trimmed[m[2]:m[3]]
			clause := src[lineStart+m[4] : lineStart+m[5]]
			r, err := rewriteImport(indent, clause)
			if err != nil {
				return nil, err
			}
			replacement, matched = r, true
		}
		if !matched {
			continue
		}

		edits = append(edits, edit{start: lineStart, end: lineStart + len(trimmed), text: replacement})
	}
	return edits, nil
}

// rewriteImport handles "import a.b as c, d".
func rewriteImport(indent, clause string) (string, error) {
	parts := strings.Split(clause, ",")
	assignments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return "", fmt.Errorf("malformed import statement")
		}
		name := part
		alias := ""
		if fields := strings.Split(part, " as "); len(fields) == 2 {
			name = strings.TrimSpace(fields[0])
			alias = strings.TrimSpace(fields[1])
		}
		if !isDottedName(name) || (alias != "" && !identRe.MatchString(alias)) {
			return "", fmt.Errorf("malformed import statement %q", part)
		}
		if alias == "" {
			// "import a.b" binds the top-level package name.
			alias = strings.SplitN(name, ".", 2)[0]
			name = alias
		}
		assignments = append(assignments, fmt.Sprintf("%s = _require(%q)", alias, name))
	}
	return indent + strings.Join(assignments, "; "), nil
}

// rewriteFromImport handles "from a.b import x, y as z".
func rewriteFromImport(indent, module, clause string) (string, error) {
	clause = strings.TrimSpace(clause)
	if strings.Contains(clause, "*") {
		return "", fmt.Errorf("star imports are not supported")
	}
	if strings.HasPrefix(clause, "(") {
		return "", fmt.Errorf("parenthesized import lists are not supported")
	}
	tmp := "_" + strings.ReplaceAll(module, ".", "_")
	assignments := []string{fmt.Sprintf("%s = _require(%q)", tmp, module)}
	for _, part := range strings.Split(clause, ",") {
		part = strings.TrimSpace(part)
		name := part
		alias := part
		if fields := strings.Split(part, " as "); len(fields) == 2 {
			name = strings.TrimSpace(fields[0])
			alias = strings.TrimSpace(fields[1])
		}
		if !identRe.MatchString(name) || !identRe.MatchString(alias) {
			return "", fmt.Errorf("malformed import statement %q", part)
		}
		assignments = append(assignments, fmt.Sprintf("%s = %s.%s", alias, tmp, name))
	}
	return indent + strings.Join(assignments, "; "), nil
}

func isDottedName(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if !identRe.MatchString(part) {
			return false
		}
	}
	return true
}

// defHeaderEdits strips "async " prefixes and annotations from def headers
// and records every top-level function signature.
func defHeaderEdits(src, masked string) ([]edit, []Function, error) {
	var edits []edit
	var funcs []Function

	for _, loc := range defHeaderRe.FindAllStringSubmatchIndex(masked, -1) {
		indentStart, indentEnd := loc[2], loc[3]
		asyncStart, asyncEnd := loc[4], loc[5]
		nameStart, nameEnd := loc[6], loc[7]
		lparen := loc[1] - 1 // the '(' is the final matched byte

		isAsync := asyncStart >= 0
		if isAsync {
			edits = append(edits, edit{start: asyncStart, end: asyncEnd})
		}

		params, headerEdits, err := scanParams(src, masked, lparen)
		if err != nil {
			return nil, nil, err
		}
		edits = append(edits, headerEdits...)

		if indentEnd == indentStart { // top-level def
			funcs = append(funcs, Function{
				Name:   src[nameStart:nameEnd],
				Async:  isAsync,
				Params: params,
				Line:   1 + strings.Count(src[:nameStart], "\n"),
			})
		}
	}
	return edits, funcs, nil
}

// scanParams walks the header from the opening parenthesis through the
// terminating colon, returning the parameter list and the edits that remove
// annotations. Bracket depth is tracked so annotations like dict[str, int]
// survive the comma split.
func scanParams(src, masked string, lparen int) ([]Param, []edit, error) {
	depth := 0
	i := lparen
	segStart := lparen + 1
	var params []Param
	var edits []edit

	flush := func(end int) {
		p, e := parseParamSegment(src, masked, segStart, end)
		if p != nil {
			params = append(params, *p)
		}
		edits = append(edits, e...)
		segStart = end + 1
	}

	for i < len(masked) {
		switch masked[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				flush(i)
				e, err := returnAnnotationEdit(masked, i+1)
				if err != nil {
					return nil, nil, err
				}
				if e != nil {
					edits = append(edits, *e)
				}
				return params, edits, nil
			}
		case ',':
			if depth == 1 {
				flush(i)
			}
		}
		i++
	}
	return nil, nil, fmt.Errorf("unterminated parameter list")
}

// returnAnnotationEdit strips an optional "-> annotation" between the
// closing parenthesis and the header colon.
func returnAnnotationEdit(masked string, from int) (*edit, error) {
	j := from
	for j < len(masked) && (masked[j] == ' ' || masked[j] == '\t') {
		j++
	}
	if j+1 >= len(masked) || masked[j] != '-' || masked[j+1] != '>' {
		return nil, nil
	}
	arrow := j
	j += 2
	depth := 0
	for j < len(masked) {
		c := masked[j]
		if depth == 0 && c == ':' {
			return &edit{start: arrow, end: j}, nil
		}
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '\n':
			return nil, fmt.Errorf("unterminated function header")
		}
		j++
	}
	return nil, fmt.Errorf("unterminated function header")
}

// parseParamSegment handles one "name[: annotation][= default]" segment.
// It returns nil for empty segments and bare "*" separators.
func parseParamSegment(src, masked string, start, end int) (*Param, []edit) {
	seg := masked[start:end]
	if strings.TrimSpace(seg) == "" {
		return nil, nil
	}

	star := ""
	trimmed := strings.TrimLeft(seg, " \t\n")
	offset := len(seg) - len(trimmed)
	if strings.HasPrefix(trimmed, "**") {
		star = "**"
	} else if strings.HasPrefix(trimmed, "*") {
		star = "*"
	}

	// Locate the top-level ':' (annotation) and '=' (default).
	colon, eq := -1, -1
	depth := 0
	for i := 0; i < len(seg); i++ {
		switch seg[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 && colon < 0 && eq < 0 {
				colon = i
			}
		case '=':
			if depth == 0 && eq < 0 {
				eq = i
			}
		}
	}

	nameEnd := end
	if colon >= 0 {
		nameEnd = start + colon
	} else if eq >= 0 {
		nameEnd = start + eq
	}
	name := strings.TrimSpace(strings.TrimLeft(src[start+offset:nameEnd], "*"))
	if name == "" {
		// Bare "*" keyword-only separator; the interpreter accepts it as-is.
		return nil, nil
	}

	p := &Param{Name: name, Star: star, HasDefault: eq >= 0}
	var edits []edit
	if colon >= 0 {
		annEnd := end
		if eq >= 0 {
			annEnd = start + eq
		}
		p.Type = strings.TrimSpace(src[start+colon+1 : annEnd])
		edits = append(edits, edit{start: start + colon, end: annEnd, text: " "})
	}
	return p, edits
}
