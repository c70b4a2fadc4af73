// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package interp executes guest tool code in a Starlark interpreter behind
// resource caps. Guest code reaches the outside world only through the
// capabilities predeclared here: the egress-filtered http module, the
// read-only secrets view, and the policy-gated module loader.
package interp

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.starlark.net/starlark"

	stderrors "errors"

	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/networking"
	"github.com/mcpbox/mcpbox/pkg/sandbox"
	"github.com/mcpbox/mcpbox/pkg/sandbox/registry"
	"github.com/mcpbox/mcpbox/pkg/validation"
)

// Config sizes the executor.
type Config struct {
	// Workers is the interpreter pool size.
	Workers int
	// CPUSeconds is the per-invocation interpreter step budget in seconds.
	CPUSeconds int
	// MemoryMB caps capability-sourced allocations per invocation.
	MemoryMB int
	// FDCap caps concurrent network bodies per invocation.
	FDCap int
	// MaxWall is the hard ceiling on any invocation's wall clock.
	MaxWall time.Duration
	// HTTPTimeout is the per-request timeout inside an invocation.
	HTTPTimeout time.Duration
	// Transport is the shared guarded transport all egress uses.
	Transport http.RoundTripper
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = min(4*runtime.NumCPU(), 32)
	}
	if c.CPUSeconds <= 0 {
		c.CPUSeconds = 60
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 256
	}
	if c.FDCap <= 0 {
		c.FDCap = 64
	}
	if c.MaxWall <= 0 {
		c.MaxWall = 5 * time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.Transport == nil {
		c.Transport = networking.NewTransport(networking.TransportOptions{})
	}
}

// Executor runs invocations on a bounded worker pool.
type Executor struct {
	cfg  Config
	gate ModuleGate
	pool pond.Pool

	// serial holds per-(server,tool) mutexes for Serialize artifacts.
	serialMu sync.Mutex
	serial   map[string]*sync.Mutex
}

// New creates an executor. Close releases the pool.
func New(cfg Config, gate ModuleGate) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg:    cfg,
		gate:   gate,
		pool:   pond.NewPool(cfg.Workers),
		serial: make(map[string]*sync.Mutex),
	}
}

// Close drains the pool.
func (e *Executor) Close() {
	e.pool.StopAndWait()
}

// Execute runs one invocation and always returns a response; failures are
// encoded, never returned as Go errors.
func (e *Executor) Execute(
	ctx context.Context, artifact *registry.Artifact, entry *registry.ServerEntry, args map[string]any,
) *sandbox.ExecuteResponse {
	if artifact.Serialize {
		mu := e.serialLock(artifact.ServerID, artifact.Name)
		mu.Lock()
		defer mu.Unlock()
	}

	start := time.Now()
	var resp *sandbox.ExecuteResponse
	task := e.pool.Submit(func() {
		resp = e.run(ctx, artifact, entry, args)
	})
	if err := task.Wait(); err != nil || resp == nil {
		resp = &sandbox.ExecuteResponse{
			Success:   false,
			ErrorKind: sandbox.ErrorKindRuntime,
			ErrorDetail: &sandbox.ErrorDetail{
				Message: "execution could not be scheduled",
			},
		}
	}
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp
}

func (e *Executor) run(
	parent context.Context, artifact *registry.Artifact, entry *registry.ServerEntry, args map[string]any,
) *sandbox.ExecuteResponse {
	// Re-validate on every invocation: policy may have tightened since the
	// source was approved.
	if res := validation.Validate(artifact.Source); !res.Valid {
		msg := "source failed validation"
		line := 0
		if len(res.Failures) > 0 {
			msg = res.Failures[0].Message
			line = res.Failures[0].Line
		}
		return &sandbox.ExecuteResponse{
			Success:     false,
			ErrorKind:   sandbox.ErrorKindValidation,
			ErrorDetail: &sandbox.ErrorDetail{Message: msg, Line: line},
		}
	}

	normalized, err := validation.Normalize(artifact.Source)
	if err != nil {
		return &sandbox.ExecuteResponse{
			Success:     false,
			ErrorKind:   sandbox.ErrorKindValidation,
			ErrorDetail: &sandbox.ErrorDetail{Message: err.Error()},
		}
	}

	wall := e.cfg.MaxWall
	if artifact.TimeoutMS > 0 {
		if toolWall := time.Duration(artifact.TimeoutMS) * time.Millisecond; toolWall < wall {
			wall = toolWall
		}
	}
	ctx, cancel := context.WithTimeout(parent, wall)
	defer cancel()

	ring := &stdoutRing{}
	thread := &starlark.Thread{
		Name:  artifact.ServerID + "/" + artifact.Name,
		Print: func(_ *starlark.Thread, msg string) { ring.Write(msg) },
	}
	thread.SetMaxExecutionSteps(uint64(e.cfg.CPUSeconds) * StepsPerSecond)

	// Watchdog: cancel the thread when the deadline or the caller goes away.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(cancelTimeout)
		case <-watchdogDone:
		}
	}()

	mem := newMemBudget(int64(e.cfg.MemoryMB) << 20)
	fds := newFDGauge(e.cfg.FDCap)
	red := newRedactor(entry.Secrets)

	// Every outbound request the guest makes travels back on the response
	// so the gateway can persist it next to stdout.
	var httpLog []sandbox.HTTPLogEntry
	withLog := func(resp *sandbox.ExecuteResponse) *sandbox.ExecuteResponse {
		resp.HTTPLog = httpLog
		return resp
	}
	egress := networking.NewEgressClient(
		e.cfg.Transport, entry.NetworkMode, entry.AllowedHosts, e.cfg.HTTPTimeout,
		func(le networking.RequestLogEntry) {
			logger.Debugw("guest http request",
				"server", artifact.ServerID, "tool", artifact.Name,
				"method", le.Method, "url", le.URL, "status", le.Status,
				"duration_ms", le.DurationMs)
			if len(httpLog) >= httpLogCap {
				return
			}
			httpLog = append(httpLog, sandbox.HTTPLogEntry{
				Method:      le.Method,
				URL:         red.String(le.URL),
				Status:      le.Status,
				DurationMs:  le.DurationMs,
				BodyPreview: red.String(le.BodyPreview),
			})
		},
	)

	predeclared := safeBuiltins()
	predeclared["_require"] = requireBuiltin(e.gate, builtinModules(ctx))
	predeclared["http"] = httpModule(ctx, egress, fds, mem)
	predeclared["secrets"] = secretsDict(entry.Secrets)

	globals, err := starlark.ExecFileOptions(
		validation.FileOptions(), thread, "tool.py", normalized.Source, predeclared)
	if err != nil {
		return withLog(e.failure(err, artifact, red, ring))
	}

	mainVal, ok := globals[validation.EntryPointName]
	if !ok {
		return withLog(&sandbox.ExecuteResponse{
			Success:     false,
			ErrorKind:   sandbox.ErrorKindRuntime,
			ErrorDetail: &sandbox.ErrorDetail{Message: "entry point vanished after load"},
		})
	}

	kwargs := make([]starlark.Tuple, 0, len(args))
	for name, value := range args {
		converted, err := toStarlark(value)
		if err != nil {
			return withLog(&sandbox.ExecuteResponse{
				Success:   false,
				ErrorKind: sandbox.ErrorKindValidation,
				ErrorDetail: &sandbox.ErrorDetail{
					Message: fmt.Sprintf("argument %q: %v", name, err),
				},
			})
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), converted})
	}

	value, err := starlark.Call(thread, mainVal, nil, kwargs)
	if err != nil {
		return withLog(e.failure(err, artifact, red, ring))
	}

	result, err := fromStarlark(value)
	if err != nil {
		return withLog(&sandbox.ExecuteResponse{
			Success:     false,
			ErrorKind:   sandbox.ErrorKindRuntime,
			ErrorDetail: &sandbox.ErrorDetail{Message: err.Error()},
		})
	}

	stdout, truncated := ring.String()
	return withLog(&sandbox.ExecuteResponse{
		Success:   true,
		Result:    red.Value(result),
		Stdout:    red.String(stdout),
		Truncated: truncated,
	})
}

// failure classifies an execution error into a stable kind and a redacted,
// guest-level detail. Go internals never surface.
func (e *Executor) failure(
	err error, artifact *registry.Artifact, red *redactor, ring *stdoutRing,
) *sandbox.ExecuteResponse {
	kind, detail := classify(err, artifact.Source)
	detail.Message = red.String(detail.Message)
	detail.Stack = red.String(detail.Stack)

	if kind == sandbox.ErrorKindNetwork {
		logger.Warnw("guest network denial",
			"server", artifact.ServerID, "tool", artifact.Name, "reason", detail.Message)
	}

	stdout, truncated := ring.String()
	return &sandbox.ExecuteResponse{
		Success:     false,
		Stdout:      red.String(stdout),
		Truncated:   truncated,
		ErrorKind:   kind,
		ErrorDetail: detail,
	}
}

func classify(err error, source string) (sandbox.ErrorKind, *sandbox.ErrorDetail) {
	var denied *importDeniedError
	var unknown *importUnknownError
	var network *networkError
	var memory *memoryError
	var fdcap *fdError
	var evalErr *starlark.EvalError

	detail := &sandbox.ErrorDetail{Message: err.Error()}
	if stderrors.As(err, &evalErr) {
		detail.Message = evalErr.Msg
		detail.Stack = evalErr.Backtrace()
		if len(evalErr.CallStack) > 0 {
			if pos := evalErr.CallStack.At(len(evalErr.CallStack) - 1).Pos; pos.Line > 0 {
				detail.Line = int(pos.Line)
				detail.Excerpt = sourceLine(source, int(pos.Line))
			}
		}
	}

	switch {
	case stderrors.As(err, &denied), stderrors.As(err, &unknown):
		return sandbox.ErrorKindImport, detail
	case stderrors.As(err, &network):
		detail.Message = network.Error()
		return sandbox.ErrorKindNetwork, detail
	case stderrors.As(err, &memory):
		return sandbox.ErrorKindMemoryExceeded, detail
	case stderrors.As(err, &fdcap):
		return sandbox.ErrorKindRuntime, detail
	case strings.Contains(err.Error(), cancelTimeout),
		stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, context.Canceled):
		detail.Message = "execution exceeded its time limit"
		return sandbox.ErrorKindTimeout, detail
	case strings.Contains(err.Error(), "too many steps"):
		detail.Message = "execution exceeded its CPU budget"
		return sandbox.ErrorKindCPUExceeded, detail
	default:
		return sandbox.ErrorKindRuntime, detail
	}
}

func sourceLine(source string, line int) string {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}

// secretsDict builds the frozen read-only secrets value guest code sees.
func secretsDict(secrets map[string]string) starlark.Value {
	dict := starlark.NewDict(len(secrets))
	for name, value := range secrets {
		_ = dict.SetKey(starlark.String(name), starlark.String(value))
	}
	dict.Freeze()
	return dict
}

func (e *Executor) serialLock(serverID, tool string) *sync.Mutex {
	key := serverID + "/" + tool
	e.serialMu.Lock()
	defer e.serialMu.Unlock()
	mu, ok := e.serial[key]
	if !ok {
		mu = &sync.Mutex{}
		e.serial[key] = mu
	}
	return mu
}
