// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides which modules guest tool code may import. The
// allowlist is runtime-mutable and persisted; a small set of modules is
// forbidden permanently and cannot be approved by anyone.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpbox/mcpbox/pkg/errors"
	"github.com/mcpbox/mcpbox/pkg/logger"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Module kinds reported by ListWithStatus.
const (
	KindStdlib     = "stdlib"
	KindThirdParty = "third_party"
)

// Module statuses reported by ListWithStatus.
const (
	StatusAllowed   = "allowed"
	StatusForbidden = "forbidden"
	StatusAvailable = "available"
)

// settingAllowedModules is the settings key the allowlist persists under.
const settingAllowedModules = "policy.allowed_modules"

// permanentlyForbidden can never be allowed, not even by an admin. The
// operator module is included because its helpers reproduce the indirect
// attribute access the source denylist blocks.
var permanentlyForbidden = map[string]struct{}{
	"operator":        {},
	"os":              {},
	"sys":             {},
	"subprocess":      {},
	"shutil":          {},
	"pathlib":         {},
	"pickle":          {},
	"marshal":         {},
	"socket":          {},
	"inspect":         {},
	"gc":              {},
	"builtins":        {},
	"ctypes":          {},
	"multiprocessing": {},
	"importlib":       {},
	"threading":       {},
}

var moduleNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SettingsStore persists the allowlist across restarts.
type SettingsStore interface {
	// Get returns the stored value, or an error with type ErrNotFound.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// ModuleStatus is one row of the policy listing.
type ModuleStatus struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Installed  bool   `json:"installed"`
	Status     string `json:"status"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// grant records who allowed a module and when.
type grant struct {
	Approver string    `json:"approver"`
	AddedAt  time.Time `json:"added_at"`
}

type catalogEntry struct {
	Name      string `yaml:"name"`
	Seed      bool   `yaml:"seed"`
	Installed bool   `yaml:"installed"`
}

type moduleCatalog struct {
	Stdlib     []catalogEntry `yaml:"stdlib"`
	ThirdParty []catalogEntry `yaml:"third_party"`
}

// Policy is the runtime-mutable module allowlist. Safe for concurrent use.
type Policy struct {
	mu      sync.RWMutex
	allowed map[string]grant

	kinds     map[string]string
	installed map[string]bool
	store     SettingsStore
}

// New loads the embedded catalog and the persisted allowlist. A fresh
// installation starts from the catalog's seed set.
func New(ctx context.Context, store SettingsStore) (*Policy, error) {
	var catalog moduleCatalog
	if err := yaml.Unmarshal(catalogYAML, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse module catalog: %w", err)
	}

	p := &Policy{
		allowed:   make(map[string]grant),
		kinds:     make(map[string]string),
		installed: make(map[string]bool),
		store:     store,
	}
	for _, e := range catalog.Stdlib {
		p.kinds[e.Name] = KindStdlib
		p.installed[e.Name] = e.Installed
		if e.Seed {
			p.allowed[e.Name] = grant{Approver: "system", AddedAt: time.Now().UTC()}
		}
	}
	for _, e := range catalog.ThirdParty {
		p.kinds[e.Name] = KindThirdParty
		p.installed[e.Name] = e.Installed
		if e.Seed {
			p.allowed[e.Name] = grant{Approver: "system", AddedAt: time.Now().UTC()}
		}
	}

	stored, err := store.GetSetting(ctx, settingAllowedModules)
	switch {
	case err == nil:
		persisted := make(map[string]grant)
		if err := json.Unmarshal([]byte(stored), &persisted); err != nil {
			return nil, fmt.Errorf("failed to parse persisted module allowlist: %w", err)
		}
		p.allowed = persisted
	case errors.IsNotFound(err):
		// First boot; the seed set applies until the first mutation.
	default:
		return nil, fmt.Errorf("failed to load module allowlist: %w", err)
	}

	logger.Debugw("module policy loaded", "allowed", len(p.allowed), "catalog", len(p.kinds))
	return p, nil
}

// IsAllowed reports whether an import of name may proceed. Dotted names are
// judged by their top-level package, matching how imports bind.
func (p *Policy) IsAllowed(name string) bool {
	top := topLevel(name)
	if _, bad := permanentlyForbidden[top]; bad {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.allowed[top]
	return ok
}

// IsForbidden reports whether name can never be allowed. Callers use it to
// refuse approval requests up front.
func (p *Policy) IsForbidden(name string) bool {
	_, bad := permanentlyForbidden[topLevel(name)]
	return bad
}

// Add allows a module. Dotted names collapse to their top-level package.
// Adding an already-allowed module is a no-op that keeps the original grant.
func (p *Policy) Add(ctx context.Context, name, approver string) error {
	top := topLevel(name)
	if !moduleNameRe.MatchString(top) {
		return errors.NewValidationError(fmt.Sprintf("invalid module name %q", name), nil)
	}
	if _, bad := permanentlyForbidden[top]; bad {
		return errors.NewSecurityError(fmt.Sprintf("module %q is permanently forbidden", top), nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.allowed[top]; ok {
		return nil
	}
	p.allowed[top] = grant{Approver: approver, AddedAt: time.Now().UTC()}
	if err := p.persistLocked(ctx); err != nil {
		delete(p.allowed, top)
		return err
	}
	logger.Infow("module allowed", "module", top, "approver", approver)
	return nil
}

// Remove disallows a module.
func (p *Policy) Remove(ctx context.Context, name string) error {
	top := topLevel(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	prior, ok := p.allowed[top]
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("module %q is not allowed", top), nil)
	}
	delete(p.allowed, top)
	if err := p.persistLocked(ctx); err != nil {
		p.allowed[top] = prior
		return err
	}
	logger.Infow("module disallowed", "module", top)
	return nil
}

// ListWithStatus returns every module the policy knows about: the catalog,
// the allowlist, and the permanently forbidden set, sorted by name.
func (p *Policy) ListWithStatus() []ModuleStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make(map[string]struct{}, len(p.kinds)+len(p.allowed)+len(permanentlyForbidden))
	for n := range p.kinds {
		names[n] = struct{}{}
	}
	for n := range p.allowed {
		names[n] = struct{}{}
	}
	for n := range permanentlyForbidden {
		names[n] = struct{}{}
	}

	out := make([]ModuleStatus, 0, len(names))
	for n := range names {
		s := ModuleStatus{
			Name:      n,
			Kind:      KindThirdParty,
			Installed: p.installed[n],
			Status:    StatusAvailable,
		}
		if k, ok := p.kinds[n]; ok {
			s.Kind = k
		}
		if _, bad := permanentlyForbidden[n]; bad {
			s.Kind = KindStdlib
			s.Status = StatusForbidden
		} else if g, ok := p.allowed[n]; ok {
			s.Status = StatusAllowed
			s.ApprovedBy = g.Approver
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Installed reports whether the interpreter provides an implementation.
func (p *Policy) Installed(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.installed[topLevel(name)]
}

func (p *Policy) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(p.allowed)
	if err != nil {
		return fmt.Errorf("failed to encode module allowlist: %w", err)
	}
	if err := p.store.SetSetting(ctx, settingAllowedModules, string(raw)); err != nil {
		return fmt.Errorf("failed to persist module allowlist: %w", err)
	}
	return nil
}

func topLevel(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
