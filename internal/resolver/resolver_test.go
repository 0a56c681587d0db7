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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	calls int
	rows  map[string]map[string]string // sql -> row
	miss  map[string]bool
}

func (s *stubExecutor) Execute(sql string) (map[string]string, bool, error) {
	s.calls++
	if s.miss[sql] {
		return nil, false, nil
	}
	row, ok := s.rows[sql]
	return row, ok, nil
}

func TestTopoSortOrdersProducerBeforeConsumer(t *testing.T) {
	defs := []Def{
		{Name: "b", SQL: "SELECT 1", DependsOn: []string{"a"}},
		{Name: "a", SQL: "SELECT 1"},
	}
	e, err := New(defs, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names(e.order))
}

func TestTopoSortDetectsCycle(t *testing.T) {
	defs := []Def{
		{Name: "a", SQL: "SELECT 1", DependsOn: []string{"b"}},
		{Name: "b", SQL: "SELECT 1", DependsOn: []string{"a"}},
	}
	_, err := New(defs, nil)
	require.Error(t, err)
}

func TestTopoSortDetectsUnknownDependency(t *testing.T) {
	defs := []Def{
		{Name: "a", SQL: "SELECT 1", DependsOn: []string{"missing"}},
	}
	_, err := New(defs, nil)
	require.Error(t, err)
}

func TestRunInjectsSessionVariable(t *testing.T) {
	defs := []Def{
		{
			Name:     "user_account",
			SQL:      "SELECT tier FROM accounts WHERE tenant = $1",
			Params:   []string{"app.current_tenant_id"},
			Inject:   map[string]string{"tier": "app.tier"},
			Required: true,
		},
	}
	e, err := New(defs, nil)
	require.NoError(t, err)

	exec := &stubExecutor{rows: map[string]map[string]string{
		"SELECT tier FROM accounts WHERE tenant = 'acme'": {"tier": "gold"},
	}}
	e = e.WithExecutor(exec)

	ctx := NewSecurityContext()
	ctx.Set("app.current_tenant_id", "acme")

	require.NoError(t, e.Run(ctx))
	tier, ok := ctx.Get("app.tier")
	require.True(t, ok)
	require.Equal(t, "gold", tier)
}

func TestRunRequiredResolverNoRowsFails(t *testing.T) {
	defs := []Def{
		{
			Name:     "user_account",
			SQL:      "SELECT tier FROM accounts WHERE tenant = $1",
			Params:   []string{"app.current_tenant_id"},
			Inject:   map[string]string{"tier": "app.tier"},
			Required: true,
		},
	}
	e, err := New(defs, nil)
	require.NoError(t, err)

	exec := &stubExecutor{miss: map[string]bool{
		"SELECT tier FROM accounts WHERE tenant = '00000000-0000-0000-0000-000000000000'": true,
	}}
	e = e.WithExecutor(exec)

	ctx := NewSecurityContext()
	ctx.Set("app.current_tenant_id", "00000000-0000-0000-0000-000000000000")

	err = e.Run(ctx)
	require.Error(t, err)
	var fr *FailedResolver
	require.ErrorAs(t, err, &fr)
	require.Equal(t, "user_account", fr.Name)
}

func TestCacheHitAvoidsExecution(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewCache(0).WithClock(clock)
	defs := []Def{
		{
			Name:     "user_account",
			SQL:      "SELECT tier FROM accounts WHERE tenant = $1",
			Params:   []string{"app.current_tenant_id"},
			Inject:   map[string]string{"tier": "app.tier"},
			CacheTTL: 30 * time.Second,
		},
	}
	e, err := New(defs, cache)
	require.NoError(t, err)

	exec := &stubExecutor{rows: map[string]map[string]string{
		"SELECT tier FROM accounts WHERE tenant = 'acme'": {"tier": "gold"},
	}}
	e = e.WithExecutor(exec)

	ctx1 := NewSecurityContext()
	ctx1.Set("app.current_tenant_id", "acme")
	require.NoError(t, e.Run(ctx1))
	require.Equal(t, 1, exec.calls)

	ctx2 := NewSecurityContext()
	ctx2.Set("app.current_tenant_id", "acme")
	require.NoError(t, e.Run(ctx2))
	require.Equal(t, 1, exec.calls, "second run should be served from cache")

	tier, ok := ctx2.Get("app.tier")
	require.True(t, ok)
	require.Equal(t, "gold", tier)

	clock.Advance(31 * time.Second)
	ctx3 := NewSecurityContext()
	ctx3.Set("app.current_tenant_id", "acme")
	require.NoError(t, e.Run(ctx3))
	require.Equal(t, 2, exec.calls, "expired entry should be re-executed")
}

func TestCacheTTLZeroNeverCaches(t *testing.T) {
	cache := NewCache(0)
	cache.Put("r", []string{"x"}, map[string]string{"a": "b"}, 0)
	_, ok := cache.Get("r", []string{"x"})
	require.False(t, ok)
}

func names(defs []Def) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
