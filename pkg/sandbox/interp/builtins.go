// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package interp

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// safeBuiltins returns the predeclared bindings every invocation gets beyond
// its capabilities. Dangerous universals are shadowed here; the rest of the
// Starlark universe (len, str, sorted, ...) stays reachable as-is.
func safeBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"sum":   starlark.NewBuiltin("sum", sumBuiltin),
		"_attr": starlark.NewBuiltin("_attr", attrBuiltin),
		// Reflection never reaches guest code: direct attribute lookup on
		// arbitrary values is a textual-denylist bypass. The bindings exist
		// so nothing can resurface the universal versions through
		// indirection.
		"getattr": starlark.NewBuiltin("getattr", refusedBuiltin),
		"hasattr": starlark.NewBuiltin("hasattr", refusedBuiltin),
		"dir":     starlark.NewBuiltin("dir", refusedBuiltin),
		"type":    starlark.NewBuiltin("type", refusedBuiltin),
	}
}

func sumBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &iterable, &start); err != nil {
		return nil, err
	}

	total := start
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		next, err := starlark.Binary(syntax.PLUS, total, item)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// attrBuiltin resolves names out of the module structs this package
// constructs. Any other value is refused so it cannot stand in for getattr.
func attrBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &value, &name); err != nil {
		return nil, err
	}

	module, ok := value.(*starlarkstruct.Module)
	if !ok {
		return nil, fmt.Errorf("cannot import names from %s", value.Type())
	}
	attr, err := module.Attr(name)
	if err != nil {
		return nil, err
	}
	if attr == nil {
		return nil, fmt.Errorf("module has no attribute %q", name)
	}
	return attr, nil
}

func refusedBuiltin(_ *starlark.Thread, b *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return nil, fmt.Errorf("%s is not available", b.Name())
}
