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

package resolver

import (
	"fmt"
	"strings"

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// FailedResolver is returned when a required resolver fails or returns no
// rows, so the caller (internal/proxy) can translate it into the right
// wire-level error without string-matching.
type FailedResolver struct {
	Name string
	Err  error
}

func (f *FailedResolver) Error() string {
	return fmt.Sprintf("resolver %q failed: %v", f.Name, f.Err)
}

func (f *FailedResolver) Unwrap() error { return f.Err }

// Run executes every resolver in topological order against e's bound
// Executor, reading and writing session variables in ctx. It never reads
// a session variable that hasn't been set by an earlier positional value
// or an earlier (producer) resolver, because defs were sorted at New.
func (e *Engine) Run(ctx *SecurityContext) error {
	if e.exec == nil {
		return trace.BadParameter("resolver engine has no bound executor")
	}
	for _, def := range e.order {
		if err := e.runOne(def, ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runOne(def Def, ctx *SecurityContext) error {
	metrics.ResolverExecutionsTotal.WithLabelValues(def.Name).Inc()

	params := make([]string, len(def.Params))
	for i, name := range def.Params {
		v, ok := ctx.Get(name)
		if !ok {
			metrics.ResolverErrorsTotal.WithLabelValues(def.Name).Inc()
			return &FailedResolver{Name: def.Name, Err: trace.BadParameter("session variable %q not set when running resolver %q", name, def.Name)}
		}
		params[i] = v
	}

	var row map[string]string
	var found bool

	if def.CacheTTL > 0 {
		if cached, ok := e.cache.Get(def.Name, params); ok {
			row, found = cached, true
		}
	}

	if !found {
		sql, err := substitute(def.SQL, params)
		if err != nil {
			metrics.ResolverErrorsTotal.WithLabelValues(def.Name).Inc()
			return &FailedResolver{Name: def.Name, Err: trace.Wrap(err)}
		}
		result, ok, err := e.exec.Execute(sql)
		if err != nil {
			metrics.ResolverErrorsTotal.WithLabelValues(def.Name).Inc()
			return &FailedResolver{Name: def.Name, Err: trace.Wrap(err)}
		}
		if !ok {
			if def.Required {
				metrics.ResolverErrorsTotal.WithLabelValues(def.Name).Inc()
				return &FailedResolver{Name: def.Name, Err: trace.NotFound("resolver %q returned no rows", def.Name)}
			}
			return nil
		}
		row = result
		if def.CacheTTL > 0 {
			e.cache.Put(def.Name, params, row, def.CacheTTL)
		}
	}

	for col, sessionVar := range def.Inject {
		v, ok := row[col]
		if !ok {
			metrics.ResolverErrorsTotal.WithLabelValues(def.Name).Inc()
			return &FailedResolver{Name: def.Name, Err: trace.BadParameter("resolver %q result has no column %q", def.Name, col)}
		}
		ctx.Set(sessionVar, v)
	}
	return nil
}

// substitute replaces $1..$N in sql with escaped literal params. The
// proxy does not use the extended query protocol; this is the same
// regex-restricted escaping used for injection, acceptable because params
// come only from already-validated session values.
func substitute(sql string, params []string) (string, error) {
	out := sql
	for i := len(params); i >= 1; i-- {
		lit, err := wire.EscapeLiteral(params[i-1])
		if err != nil {
			return "", trace.Wrap(err)
		}
		placeholder := fmt.Sprintf("$%d", i)
		out = strings.ReplaceAll(out, placeholder, lit)
	}
	return out, nil
}
