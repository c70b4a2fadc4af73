// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package validation checks guest tool source before it may be stored or
// executed. Validation is purely static: the source is normalized into the
// executable dialect, parsed, and inspected, but never run.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"
)

// MaxSourceBytes is the hard cap on submitted tool source.
const MaxSourceBytes = 100 * 1024

// Failure kinds reported by Validate. The strings are part of the admin API
// and must stay stable.
const (
	FailureSizeExceeded           = "size_exceeded"
	FailureParseError             = "parse_error"
	FailureMissingEntryPoint      = "missing_entry_point"
	FailureForbiddenName          = "forbidden_name"
	FailureBadEntryPointSignature = "bad_entry_point_signature"
)

// EntryPointName is the required name of a tool's entry function.
const EntryPointName = "main"

// forbiddenNameRe detects denylisted spellings anywhere in the raw source.
// Detection is textual on purpose: a match inside a comment or string still
// fails validation, which errs conservative and keeps the scan a single
// regexp pass regardless of source size.
var forbiddenNameRe = regexp.MustCompile(
	`\b(?:eval|exec|compile|open|globals|locals|vars|getattr|setattr|delattr|type|object)\b|\b__\w*?__\b`)

// unsupportedStmtRe catches statements the dialect has no equivalent for,
// so the failure message can name the offending keyword instead of leaking
// a bare parser error.
var unsupportedStmtRe = regexp.MustCompile(
	`(?m)^[ \t]*(try|except|finally|raise|class|with|yield|global|nonlocal|assert|del)\b`)

// parseOptions enables the dialect extensions execution relies on. Recursion
// stays off so validated source cannot express unbounded call loops.
var parseOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// FileOptions returns the dialect options. Execution must parse with the
// same options validation does or the two would accept different programs.
func FileOptions() *syntax.FileOptions { return parseOptions }

// Failure is one validation finding.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// Result is the outcome of validating one source text.
type Result struct {
	Valid             bool           `json:"valid"`
	EntryPointPresent bool           `json:"entry_point_present"`
	Parameters        []Param        `json:"parameters"`
	InputSchema       map[string]any `json:"input_schema,omitempty"`
	Failures          []Failure      `json:"failures,omitempty"`
}

func (r *Result) fail(kind, format string, args ...any) {
	r.Failures = append(r.Failures, Failure{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) failAt(kind string, line int, format string, args ...any) {
	r.Failures = append(r.Failures, Failure{Kind: kind, Message: fmt.Sprintf(format, args...), Line: line})
}

// Validate statically checks one tool source text. It never returns a Go
// error: every way the source can be unacceptable is a Failure in the
// result, so callers can persist and display findings uniformly.
func Validate(source string) *Result {
	res := &Result{}

	if len(source) > MaxSourceBytes {
		res.fail(FailureSizeExceeded, "source is %d bytes, limit is %d", len(source), MaxSourceBytes)
		return res
	}

	if loc := forbiddenNameRe.FindStringIndex(source); loc != nil {
		line := 1 + strings.Count(source[:loc[0]], "\n")
		res.failAt(FailureForbiddenName, line, "forbidden name %q", source[loc[0]:loc[1]])
	}

	normalized, err := Normalize(source)
	if err != nil {
		res.fail(FailureParseError, "%v", err)
		return res
	}

	if m := unsupportedStmtRe.FindStringSubmatchIndex(maskLiterals(source)); m != nil {
		line := 1 + strings.Count(source[:m[2]], "\n")
		res.failAt(FailureParseError, line, "%s statements are not supported", source[m[2]:m[3]])
		return res
	}

	if _, err := parseOptions.Parse("tool.py", normalized.Source, 0); err != nil {
		var serr syntax.Error
		if errors.As(err, &serr) {
			res.failAt(FailureParseError, int(serr.Pos.Line), "%s", serr.Msg)
		} else {
			res.fail(FailureParseError, "%v", err)
		}
		return res
	}

	entry := checkEntryPoint(res, normalized.Functions)
	if entry == nil {
		return res
	}

	res.Parameters = entry.Params
	if res.Parameters == nil {
		res.Parameters = []Param{}
	}
	res.InputSchema = BuildInputSchema(entry.Params)
	res.Valid = len(res.Failures) == 0
	return res
}

// checkEntryPoint enforces the entry point contract: exactly one top-level
// async function named main, with plainly nameable parameters.
func checkEntryPoint(res *Result, funcs []Function) *Function {
	var mains []Function
	for _, fn := range funcs {
		if fn.Name == EntryPointName {
			mains = append(mains, fn)
		}
	}
	if len(mains) == 0 {
		res.fail(FailureMissingEntryPoint, "no top-level %q function", EntryPointName)
		return nil
	}
	res.EntryPointPresent = true
	if len(mains) > 1 {
		res.failAt(FailureBadEntryPointSignature, mains[1].Line, "%q is defined more than once", EntryPointName)
		return nil
	}

	entry := mains[0]
	if !entry.Async {
		res.failAt(FailureBadEntryPointSignature, entry.Line, "%q must be declared async", EntryPointName)
		return nil
	}
	for _, p := range entry.Params {
		if p.Star != "" {
			res.failAt(FailureBadEntryPointSignature, entry.Line,
				"%q may not take %s%s: variadic parameters cannot be named in a schema", EntryPointName, p.Star, p.Name)
			return nil
		}
	}
	return &entry
}
