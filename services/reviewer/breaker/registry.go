// Copyright (C) 2025 AI Code Reviewer contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import "sync"

// Dependency identifies a guarded subsystem. The set is closed: breakers
// are created eagerly at startup for every known dependency rather than
// lazily keyed by arbitrary strings.
type Dependency string

const (
	DepModelLoad  Dependency = "model-load"
	DepModelInfer Dependency = "model-infer"
	DepToolPylint Dependency = "tool-pylint"
	DepToolESLint Dependency = "tool-eslint"
	DepToolBandit Dependency = "tool-bandit"
	DepToolGoVet  Dependency = "tool-govet"
)

// KnownDependencies lists every dependency the registry creates at
// startup.
var KnownDependencies = []Dependency{
	DepModelLoad,
	DepModelInfer,
	DepToolPylint,
	DepToolESLint,
	DepToolBandit,
	DepToolGoVet,
}

// ToolDependency maps an external tool name to its breaker dependency.
// Unknown tools return ok=false and run unguarded by a breaker (the
// per-tool timeout remains their backstop).
func ToolDependency(tool string) (Dependency, bool) {
	switch tool {
	case "pylint":
		return DepToolPylint, true
	case "eslint":
		return DepToolESLint, true
	case "bandit":
		return DepToolBandit, true
	case "govet", "go-vet", "go vet":
		return DepToolGoVet, true
	default:
		return "", false
	}
}

// Registry holds one breaker per known dependency.
//
// # Thread Safety
//
// Safe for concurrent use after construction; the breaker set is
// immutable once built.
type Registry struct {
	mu       sync.RWMutex
	breakers map[Dependency]*Breaker
}

// NewRegistry creates breakers for all known dependencies. Per-kind
// configs override defaults; dependencies absent from configs get
// DefaultConfig.
func NewRegistry(configs map[Dependency]Config) *Registry {
	r := &Registry{breakers: make(map[Dependency]*Breaker, len(KnownDependencies))}
	for _, dep := range KnownDependencies {
		cfg, ok := configs[dep]
		if !ok {
			cfg = DefaultConfig()
		}
		r.breakers[dep] = New(string(dep), cfg)
	}
	return r
}

// Get returns the breaker for the dependency. Unknown dependencies get
// an isolated default breaker so a miskeyed lookup degrades safely
// instead of panicking.
func (r *Registry) Get(dep Dependency) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dep]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dep]; ok {
		return b
	}
	b = New(string(dep), DefaultConfig())
	r.breakers[dep] = b
	return b
}

// Snapshots returns the state of every breaker, for the stats surface.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, dep := range KnownDependencies {
		if b, ok := r.breakers[dep]; ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
