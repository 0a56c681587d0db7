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

package proxy

import (
	"strings"

	"github.com/gravitational/trace"
)

// Identity is what CLASSIFY_USER extracts from the startup "user"
// parameter.
type Identity struct {
	RawUser string
	Role    string   // effective login role; equals RawUser when Bypass
	Values  []string // positional payload values, empty when Bypass
	Bypass  bool
}

// IdentityConfig is the slice of pgvpd configuration identity parsing
// needs.
type IdentityConfig struct {
	TenantSeparator  byte
	ValueSeparator   byte
	ContextVariables []string
	SuperuserBypass  map[string]bool
}

// ParseIdentity classifies rawUser and, for a tenant connection, splits it
// into role and positional values per spec.md §3/§6's username grammar.
func ParseIdentity(rawUser string, cfg IdentityConfig) (*Identity, error) {
	if rawUser == "" {
		return nil, trace.BadParameter("empty user in startup message")
	}
	if cfg.SuperuserBypass[rawUser] {
		return &Identity{RawUser: rawUser, Role: rawUser, Bypass: true}, nil
	}

	sep := string(cfg.TenantSeparator)
	idx := strings.Index(rawUser, sep)
	if idx < 0 {
		return nil, trace.BadParameter("user %q has no %q separator and is not in the superuser bypass list", rawUser, sep)
	}

	role := rawUser[:idx]
	payload := rawUser[idx+len(sep):]
	if role == "" {
		return nil, trace.BadParameter("user %q has an empty role before the separator", rawUser)
	}

	values := strings.Split(payload, string(cfg.ValueSeparator))
	if len(values) != len(cfg.ContextVariables) {
		return nil, trace.BadParameter(
			"user %q has %d payload values, expected %d for configured context_variables",
			rawUser, len(values), len(cfg.ContextVariables))
	}
	for i, v := range values {
		if v == "" {
			return nil, trace.BadParameter("user %q has an empty payload value at position %d", rawUser, i)
		}
	}

	return &Identity{RawUser: rawUser, Role: role, Values: values}, nil
}
