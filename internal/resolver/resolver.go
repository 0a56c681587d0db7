// Copyright 2026 The Pgvpd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resolver chains parameterized lookup queries that derive
// additional session-variable context from the database, with a
// process-wide TTL cache and dependency ordering.
package resolver

import (
	"time"

	"github.com/gravitational/trace"
)

// Def is a single resolver definition, as configured.
type Def struct {
	Name      string
	SQL       string
	Params    []string          // session-variable names to substitute positionally
	Inject    map[string]string // result column -> session variable
	Required  bool
	CacheTTL  time.Duration
	DependsOn []string
}

// Engine holds the topologically-sorted resolver chain built once at
// startup.
type Engine struct {
	order []Def
	cache *Cache
	exec  Executor
}

// Executor runs one resolver's SQL against the upstream connection that is
// live for the duration of a single client connection's resolving phase.
// Implementations live in internal/proxy, which owns the wire codec
// session; resolver stays free of any wire-protocol dependency.
type Executor interface {
	// Execute runs sql (already a complete, literal-substituted simple
	// query) and returns the single result row as column->value, or
	// ok=false if the query returned zero rows.
	Execute(sql string) (row map[string]string, ok bool, err error)
}

// New builds an Engine from defs, topologically sorting them by
// DependsOn. It returns an error if a cycle or an unknown dependency is
// found — this runs once at startup, not per connection.
func New(defs []Def, cache *Cache) (*Engine, error) {
	order, err := topoSort(defs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cache == nil {
		cache = NewCache(0)
	}
	return &Engine{order: order, cache: cache}, nil
}

// WithExecutor returns a copy of the engine bound to exec, used once per
// connection since each connection resolves against its own upstream.
func (e *Engine) WithExecutor(exec Executor) *Engine {
	clone := *e
	clone.exec = exec
	return &clone
}

func topoSort(defs []Def) ([]Def, error) {
	byName := make(map[string]Def, len(defs))
	for _, d := range defs {
		if _, dup := byName[d.Name]; dup {
			return nil, trace.BadParameter("duplicate resolver name %q", d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, trace.BadParameter("resolver %q depends on unknown resolver %q", d.Name, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(defs))
	var order []Def

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return trace.BadParameter("resolver dependency cycle detected: %v -> %v", path, name)
		}
		state[name] = visiting
		d := byName[name]
		for _, dep := range d.DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, d)
		return nil
	}

	for _, d := range defs {
		if err := visit(d.Name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
