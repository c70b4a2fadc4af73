// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/networking"
)

// maxResponseBytes caps how much of one response body guest code may pull
// into memory.
const maxResponseBytes = 5 << 20

// networkError marks a failed guest HTTP call so the executor can classify
// it without leaking transport detail.
type networkError struct{ cause error }

func (e *networkError) Error() string {
	if errors.IsSecurity(e.cause) {
		// Never explain to guest code why the filter refused it.
		return "network request blocked"
	}
	return "network request failed"
}

func (e *networkError) Unwrap() error { return e.cause }

// httpModule exposes the egress client to guest code. Every verb is
// fd-accounted and memory-accounted.
func httpModule(ctx context.Context, client *networking.EgressClient, fds *fdGauge, mem *memBudget) *starlarkstruct.Module {
	verb := func(method string) *starlark.Builtin {
		name := "http." + strings.ToLower(method)
		return starlark.NewBuiltin(name, func(
			_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
		) (starlark.Value, error) {
			return doRequest(ctx, client, fds, mem, b, method, args, kwargs)
		})
	}
	return &starlarkstruct.Module{
		Name: "http",
		Members: starlark.StringDict{
			"get":    verb(http.MethodGet),
			"post":   verb(http.MethodPost),
			"put":    verb(http.MethodPut),
			"delete": verb(http.MethodDelete),
			"patch":  verb(http.MethodPatch),
			"head":   verb(http.MethodHead),
		},
	}
}

func doRequest(
	ctx context.Context,
	client *networking.EgressClient,
	fds *fdGauge,
	mem *memBudget,
	b *starlark.Builtin,
	method string,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var rawURL string
	var headers *starlark.Dict
	var body starlark.Value = starlark.None
	var jsonBody starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"url", &rawURL, "headers?", &headers, "body?", &body, "json?", &jsonBody); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	contentType := ""
	switch {
	case jsonBody != starlark.None:
		goValue, err := fromStarlark(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("%s: json argument: %w", b.Name(), err)
		}
		encoded, err := json.Marshal(goValue)
		if err != nil {
			return nil, fmt.Errorf("%s: json argument: %w", b.Name(), err)
		}
		reqBody = strings.NewReader(string(encoded))
		contentType = "application/json"
	case body != starlark.None:
		text, ok := starlark.AsString(body)
		if !ok {
			return nil, fmt.Errorf("%s: body must be a string", b.Name())
		}
		reqBody = strings.NewReader(text)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers != nil {
		for _, item := range headers.Items() {
			key, kok := item[0].(starlark.String)
			value, vok := item[1].(starlark.String)
			if !kok || !vok {
				return nil, fmt.Errorf("%s: headers must map strings to strings", b.Name())
			}
			req.Header.Set(string(key), string(value))
		}
	}

	if err := fds.acquire(); err != nil {
		return nil, err
	}
	defer fds.release()

	resp, err := client.Do(req)
	if err != nil {
		return nil, &networkError{cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &networkError{cause: err}
	}
	if len(raw) > maxResponseBytes {
		return nil, &memoryError{what: "response body"}
	}
	if err := mem.charge(len(raw)); err != nil {
		return nil, err
	}

	return responseStruct(resp, string(raw)), nil
}

func responseStruct(resp *http.Response, body string) starlark.Value {
	headerDict := starlark.NewDict(len(resp.Header))
	for name := range resp.Header {
		_ = headerDict.SetKey(starlark.String(strings.ToLower(name)), starlark.String(resp.Header.Get(name)))
	}

	return starlarkstruct.FromStringDict(starlark.String("response"), starlark.StringDict{
		"status_code": starlark.MakeInt(resp.StatusCode),
		"headers":     headerDict,
		"body":        starlark.String(body),
		"json": starlark.NewBuiltin("json", func(
			_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple,
		) (starlark.Value, error) {
			var goValue any
			if err := json.Unmarshal([]byte(body), &goValue); err != nil {
				return nil, fmt.Errorf("response body is not valid JSON: %w", err)
			}
			return toStarlark(goValue)
		}),
	})
}
