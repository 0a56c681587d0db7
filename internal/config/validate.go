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

package config

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/spf13/viper"

	"github.com/pgvpd/pgvpd/internal/resolver"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// loadResolversFromViper reads the "[[resolver]]" array-of-tables out of
// whatever config v has already parsed. It only decodes the entries;
// checking them is left to ValidateResolvers, which Load runs on the
// combined list. The positional $N parameter values are literal-escaped at
// resolve time (see internal/resolver/run.go), not here.
func loadResolversFromViper(v *viper.Viper) ([]resolver.Def, error) {
	entries := normalizeResolverEntries(v.Get("resolver"))
	if entries == nil {
		return nil, nil
	}

	defs := make([]resolver.Def, 0, len(entries))
	for i, e := range entries {
		d, err := decodeResolverEntry(e)
		if err != nil {
			return nil, trace.Wrap(err, "resolver entry %d", i)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// normalizeResolverEntries copes with the shape viper actually hands back
// for a TOML array of tables, which is []interface{} of
// map[string]interface{}, not []map[string]interface{}.
func normalizeResolverEntries(raw interface{}) []map[string]interface{} {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

func decodeResolverEntry(e map[string]interface{}) (resolver.Def, error) {
	d := resolver.Def{
		Name:      stringField(e, "name"),
		SQL:       stringField(e, "sql"),
		Params:    stringSliceField(e, "params"),
		DependsOn: stringSliceField(e, "depends_on"),
		Required:  boolField(e, "required"),
	}
	if d.Name == "" {
		return d, trace.BadParameter("resolver entry missing required \"name\"")
	}
	if d.SQL == "" {
		return d, trace.BadParameter("resolver %q missing required \"sql\"", d.Name)
	}

	if ttlRaw, ok := e["cache_ttl_seconds"]; ok {
		switch n := ttlRaw.(type) {
		case int64:
			d.CacheTTL = time.Duration(n) * time.Second
		case int:
			d.CacheTTL = time.Duration(n) * time.Second
		case float64:
			d.CacheTTL = time.Duration(n) * time.Second
		}
	}

	inject := map[string]string{}
	if injectRaw, ok := e["inject"]; ok {
		switch m := injectRaw.(type) {
		case map[string]interface{}:
			for k, v := range m {
				if s, ok := v.(string); ok {
					inject[k] = s
				}
			}
		}
	}
	d.Inject = inject

	return d, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func stringSliceField(m map[string]interface{}, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ValidateResolvers checks every resolver definition against the same
// trust boundary the proxy applies at connection time, so a malformed
// resolver file fails fast at startup (or at "pgvpd resolvers validate")
// rather than mid-connection. It does not build the dependency graph —
// resolver.New does that, and is called separately once the definitions
// are known to be individually well-formed.
func ValidateResolvers(defs []resolver.Def) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return trace.BadParameter("resolver definition missing a name")
		}
		if !wire.ValidIdentifier(d.Name) {
			return trace.BadParameter("resolver name %q is not a valid identifier", d.Name)
		}
		if seen[d.Name] {
			return trace.BadParameter("duplicate resolver name %q", d.Name)
		}
		seen[d.Name] = true

		if d.SQL == "" {
			return trace.BadParameter("resolver %q has no sql", d.Name)
		}
		for _, p := range d.Params {
			// Session/context variable names are injected via set_config,
			// never as a bare SQL identifier, so dotted GUC names like
			// "app.current_tenant_id" are valid here.
			if !wire.ValidLiteral(p) {
				return trace.BadParameter("resolver %q: param %q is not a valid session-variable name", d.Name, p)
			}
		}
		for column, variable := range d.Inject {
			if !wire.ValidIdentifier(column) {
				return trace.BadParameter("resolver %q: inject source column %q is not a valid identifier", d.Name, column)
			}
			if !wire.ValidLiteral(variable) {
				return trace.BadParameter("resolver %q: inject target variable %q is not a valid session-variable name", d.Name, variable)
			}
		}
		for _, dep := range d.DependsOn {
			if !wire.ValidIdentifier(dep) {
				return trace.BadParameter("resolver %q: depends_on %q is not a valid identifier", d.Name, dep)
			}
		}
	}
	return nil
}
