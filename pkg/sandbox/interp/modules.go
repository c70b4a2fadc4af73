// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package interp

import (
	"context"
	"crypto/md5"  // #nosec G501 - guest-facing hashlib, not used for security
	"crypto/sha1" // #nosec G505
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math/rand/v2"
	"net/url"
	"regexp"
	"time"

	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ModuleGate decides whether guest code may load a module. The module policy
// implements it; tests use stubs.
type ModuleGate interface {
	IsAllowed(name string) bool
}

// importDeniedError marks a _require refusal so the executor can classify it.
type importDeniedError struct{ name string }

func (e *importDeniedError) Error() string {
	return fmt.Sprintf("module %q is not allowed; request approval to use it", e.name)
}

// importUnknownError marks a _require of a module nothing provides.
type importUnknownError struct{ name string }

func (e *importUnknownError) Error() string {
	return fmt.Sprintf("module %q is not available in the sandbox", e.name)
}

// requireBuiltin returns the _require builtin the normalizer's import
// rewrites call. Every load consults the gate, so revoking a module takes
// effect on the next invocation.
func requireBuiltin(gate ModuleGate, modules starlark.StringDict) *starlark.Builtin {
	return starlark.NewBuiltin("_require", func(
		_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		if gate != nil && !gate.IsAllowed(name) {
			return nil, &importDeniedError{name: name}
		}
		module, ok := modules[name]
		if !ok {
			return nil, &importUnknownError{name: name}
		}
		return module, nil
	})
}

// builtinModules returns the loadable modules. ctx backs time.sleep so a
// cancelled invocation does not park a worker.
func builtinModules(ctx context.Context) starlark.StringDict {
	return starlark.StringDict{
		"json":     jsonModule,
		"math":     starlarkmath.Module,
		"re":       reModule,
		"time":     timeModule(ctx),
		"base64":   base64Module,
		"hashlib":  hashlibModule,
		"random":   randomModule,
		"datetime": datetimeModule,
		"urllib":   urllibModule,
	}
}

var jsonModule = &starlarkstruct.Module{
	Name: "json",
	Members: starlark.StringDict{
		"dumps": starlark.NewBuiltin("json.dumps", jsonDumps),
		"loads": starlark.NewBuiltin("json.loads", jsonLoads),
	},
}

func jsonDumps(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var indent starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "obj", &value, "indent?", &indent); err != nil {
		return nil, err
	}

	goValue, err := fromStarlark(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	var data []byte
	if n, ok := indent.(starlark.Int); ok {
		spaces, _ := n.Int64()
		prefix := ""
		pad := ""
		for i := int64(0); i < spaces; i++ {
			pad += " "
		}
		data, err = json.MarshalIndent(goValue, prefix, pad)
	} else {
		data, err = json.Marshal(goValue)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func jsonLoads(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}
	var goValue any
	if err := json.Unmarshal([]byte(text), &goValue); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toStarlark(goValue)
}

var reModule = &starlarkstruct.Module{
	Name: "re",
	Members: starlark.StringDict{
		"search":  starlark.NewBuiltin("re.search", reSearch),
		"match":   starlark.NewBuiltin("re.match", reMatch),
		"findall": starlark.NewBuiltin("re.findall", reFindall),
		"sub":     starlark.NewBuiltin("re.sub", reSub),
		"split":   starlark.NewBuiltin("re.split", reSplit),
	},
}

func compilePattern(name, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern: %w", name, err)
	}
	return re, nil
}

func reSearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	if m := re.FindString(text); m != "" || re.MatchString(text) {
		return starlark.String(m), nil
	}
	return starlark.None, nil
}

func reMatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), "^(?:"+pattern+")")
	if err != nil {
		return nil, err
	}
	if loc := re.FindStringIndex(text); loc != nil {
		return starlark.String(text[loc[0]:loc[1]]), nil
	}
	return starlark.None, nil
}

func reFindall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	matches := re.FindAllString(text, -1)
	elems := make([]starlark.Value, len(matches))
	for i, m := range matches {
		elems[i] = starlark.String(m)
	}
	return starlark.NewList(elems), nil
}

func reSub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &pattern, &repl, &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	return starlark.String(re.ReplaceAllString(text, repl)), nil
}

func reSplit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &text); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	parts := re.Split(text, -1)
	elems := make([]starlark.Value, len(parts))
	for i, p := range parts {
		elems[i] = starlark.String(p)
	}
	return starlark.NewList(elems), nil
}

// maxSleep keeps time.sleep from parking a worker longer than any sane tool
// timeout; the watchdog still cancels the thread at the wall clock.
const maxSleep = 30 * time.Second

func timeModule(ctx context.Context) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "time",
		Members: starlark.StringDict{
			"time": starlark.NewBuiltin("time.time", func(
				_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple,
			) (starlark.Value, error) {
				return starlark.Float(float64(time.Now().UnixNano()) / 1e9), nil
			}),
			"sleep": starlark.NewBuiltin("time.sleep", func(
				_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
			) (starlark.Value, error) {
				var seconds float64
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seconds); err != nil {
					return nil, err
				}
				d := time.Duration(seconds * float64(time.Second))
				if d < 0 {
					d = 0
				}
				if d > maxSleep {
					d = maxSleep
				}
				select {
				case <-time.After(d):
					return starlark.None, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		},
	}
}

var base64Module = &starlarkstruct.Module{
	Name: "base64",
	Members: starlark.StringDict{
		"b64encode":         starlark.NewBuiltin("base64.b64encode", base64Fn(base64.StdEncoding.EncodeToString)),
		"urlsafe_b64encode": starlark.NewBuiltin("base64.urlsafe_b64encode", base64Fn(base64.URLEncoding.EncodeToString)),
		"b64decode":         starlark.NewBuiltin("base64.b64decode", base64DecodeFn(base64.StdEncoding)),
		"urlsafe_b64decode": starlark.NewBuiltin("base64.urlsafe_b64decode", base64DecodeFn(base64.URLEncoding)),
	},
}

func base64Fn(encode func([]byte) string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
			return nil, err
		}
		return starlark.String(encode([]byte(text))), nil
	}
}

func base64DecodeFn(enc *base64.Encoding) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
			return nil, err
		}
		decoded, err := enc.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(decoded), nil
	}
}

var hashlibModule = &starlarkstruct.Module{
	Name: "hashlib",
	Members: starlark.StringDict{
		"md5":    starlark.NewBuiltin("hashlib.md5", hashFn(md5.New)),
		"sha1":   starlark.NewBuiltin("hashlib.sha1", hashFn(sha1.New)),
		"sha256": starlark.NewBuiltin("hashlib.sha256", hashFn(sha256.New)),
		"sha512": starlark.NewBuiltin("hashlib.sha512", hashFn(sha512.New)),
	},
}

// hashFn computes the digest eagerly and returns a struct exposing
// hexdigest(), matching how guest code uses hashlib.
func hashFn(newHash func() hash.Hash) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
			return nil, err
		}
		h := newHash()
		h.Write([]byte(text))
		digest := hex.EncodeToString(h.Sum(nil))
		return starlarkstruct.FromStringDict(starlark.String("hash"), starlark.StringDict{
			"hexdigest": starlark.NewBuiltin("hexdigest", func(
				_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple,
			) (starlark.Value, error) {
				return starlark.String(digest), nil
			}),
		}), nil
	}
}

var randomModule = &starlarkstruct.Module{
	Name: "random",
	Members: starlark.StringDict{
		"random": starlark.NewBuiltin("random.random", func(
			_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple,
		) (starlark.Value, error) {
			return starlark.Float(rand.Float64()), nil
		}),
		"randint": starlark.NewBuiltin("random.randint", func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var lo, hi int64
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("%s: empty range [%d, %d]", b.Name(), lo, hi)
			}
			return starlark.MakeInt64(lo + rand.Int64N(hi-lo+1)), nil
		}),
		"uniform": starlark.NewBuiltin("random.uniform", func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var lo, hi float64
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
				return nil, err
			}
			return starlark.Float(lo + rand.Float64()*(hi-lo)), nil
		}),
		"choice": starlark.NewBuiltin("random.choice", func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var seq starlark.Indexable
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
				return nil, err
			}
			n := seq.Len()
			if n == 0 {
				return nil, fmt.Errorf("%s: empty sequence", b.Name())
			}
			return seq.Index(rand.IntN(n)), nil
		}),
	},
}

var datetimeModule = &starlarkstruct.Module{
	Name: "datetime",
	Members: starlark.StringDict{
		"now":    starlark.NewBuiltin("datetime.now", datetimeNow(time.Now)),
		"utcnow": starlark.NewBuiltin("datetime.utcnow", datetimeNow(func() time.Time { return time.Now().UTC() })),
	},
}

func datetimeNow(now func() time.Time) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		t := now()
		iso := t.Format("2006-01-02T15:04:05.000000")
		return starlarkstruct.FromStringDict(starlark.String("datetime"), starlark.StringDict{
			"year":   starlark.MakeInt(t.Year()),
			"month":  starlark.MakeInt(int(t.Month())),
			"day":    starlark.MakeInt(t.Day()),
			"hour":   starlark.MakeInt(t.Hour()),
			"minute": starlark.MakeInt(t.Minute()),
			"second": starlark.MakeInt(t.Second()),
			"isoformat": starlark.NewBuiltin("isoformat", func(
				_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple,
			) (starlark.Value, error) {
				return starlark.String(iso), nil
			}),
			"timestamp": starlark.NewBuiltin("timestamp", func(
				_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple,
			) (starlark.Value, error) {
				return starlark.Float(float64(t.UnixNano()) / 1e9), nil
			}),
		}), nil
	}
}

var urllibModule = &starlarkstruct.Module{
	Name: "urllib",
	Members: starlark.StringDict{
		"quote": starlark.NewBuiltin("urllib.quote", func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var text string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
				return nil, err
			}
			return starlark.String(url.QueryEscape(text)), nil
		}),
		"unquote": starlark.NewBuiltin("urllib.unquote", func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var text string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
				return nil, err
			}
			decoded, err := url.QueryUnescape(text)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.String(decoded), nil
		}),
		"urlencode": starlark.NewBuiltin("urllib.urlencode", func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			var dict *starlark.Dict
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &dict); err != nil {
				return nil, err
			}
			values := url.Values{}
			for _, item := range dict.Items() {
				key, ok := item[0].(starlark.String)
				if !ok {
					return nil, fmt.Errorf("%s: keys must be strings", b.Name())
				}
				values.Set(string(key), plainString(item[1]))
			}
			return starlark.String(values.Encode()), nil
		}),
	},
}

// plainString renders a scalar the way Python's str() would for URL encoding.
func plainString(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}
