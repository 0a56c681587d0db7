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

// Package tenant enforces per-tenant allow/deny lists, max-concurrency and
// new-connection rate limits. Each tenant's state is reached through its
// own lock; the top-level map only takes a lock for lazy first-insert.
package tenant

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pgvpd/pgvpd/internal/metrics"
)

// RejectReason names why admit() refused a connection.
type RejectReason string

const (
	RejectDenied RejectReason = "denied"
	RejectLimit  RejectReason = "limit"
	RejectRate   RejectReason = "rate"
)

// Config holds the tenant-registry's static policy, resolved once from
// pgvpd's configuration.
type Config struct {
	Allow          map[string]bool // empty means "allow all not denied"
	Deny           map[string]bool
	MaxConnections int // 0 means unlimited
	RateLimit      int // connections/second, 0 means unlimited
	Clock          clockwork.Clock
}

type tenantState struct {
	mu              sync.Mutex
	active          int
	windowStart     time.Time
	windowCount     int
	admittedTotal   uint64
}

// Registry tracks per-tenant concurrency and rate-limit state.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// New constructs a Registry from cfg, defaulting Clock to the real clock
// if unset.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Registry{cfg: cfg, tenants: make(map[string]*tenantState)}
}

// Guard is released exactly once to decrement the tenant's active count;
// every caller that receives one from Admit must defer Release on every
// exit path.
type Guard struct {
	state    *tenantState
	released bool
	mu       sync.Mutex
}

// Release decrements the tenant's active-connection count. Safe to call
// more than once; only the first call has an effect.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	g.state.mu.Lock()
	g.state.active--
	g.state.mu.Unlock()
}

func (r *Registry) stateFor(tenant string) *tenantState {
	r.mu.RLock()
	st, ok := r.tenants[tenant]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.tenants[tenant]; ok {
		return st
	}
	st = &tenantState{}
	r.tenants[tenant] = st
	return st
}

// Admit runs the allow/deny, rate, and max-concurrency checks for tenant
// in order and, on success, returns a Guard whose Release must be called
// exactly once.
func (r *Registry) Admit(tenant string) (*Guard, RejectReason, bool) {
	if r.cfg.Deny[tenant] {
		metrics.TenantRejectedTotal.WithLabelValues(string(RejectDenied)).Inc()
		return nil, RejectDenied, false
	}
	if len(r.cfg.Allow) > 0 && !r.cfg.Allow[tenant] {
		metrics.TenantRejectedTotal.WithLabelValues(string(RejectDenied)).Inc()
		return nil, RejectDenied, false
	}

	st := r.stateFor(tenant)
	now := r.cfg.Clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= time.Second {
		st.windowStart = now
		st.windowCount = 0
	}
	st.windowCount++
	if r.cfg.RateLimit > 0 && st.windowCount > r.cfg.RateLimit {
		metrics.TenantRejectedTotal.WithLabelValues(string(RejectRate)).Inc()
		return nil, RejectRate, false
	}

	if r.cfg.MaxConnections > 0 && st.active >= r.cfg.MaxConnections {
		metrics.TenantRejectedTotal.WithLabelValues(string(RejectLimit)).Inc()
		return nil, RejectLimit, false
	}

	st.active++
	st.admittedTotal++
	return &Guard{state: st}, "", true
}

// Active returns the current active-connection count for tenant, for the
// admin status surface.
func (r *Registry) Active(tenant string) int {
	st := r.stateFor(tenant)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

// AdmittedTotal returns the lifetime admitted-connection count for tenant.
func (r *Registry) AdmittedTotal(tenant string) uint64 {
	st := r.stateFor(tenant)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.admittedTotal
}

// Tenants returns every tenant name the registry has seen at least one
// connection attempt for, for the admin status surface.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	return names
}
