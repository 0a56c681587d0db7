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

// Package metrics holds the process-wide, lock-free counters the admin
// HTTP surface reads. Every counter is a prometheus metric so the
// exporter needs no translation layer; status/health just read the same
// underlying values.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsTotal counts every client connection accepted.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "connections_total",
		Help:      "Total client connections accepted.",
	})
	// ConnectionsActive tracks connections currently in flight.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pgvpd",
		Name:      "connections_active",
		Help:      "Client connections currently being handled.",
	})

	// PoolCheckoutsTotal counts every pool checkout attempt.
	PoolCheckoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "pool_checkouts_total",
		Help:      "Total pool checkout attempts.",
	})
	// PoolReusesTotal counts checkouts satisfied from the idle queue.
	PoolReusesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "pool_reuses_total",
		Help:      "Pool checkouts satisfied by an idle connection.",
	})
	// PoolCreatesTotal counts new upstream connections opened by the pool.
	PoolCreatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "pool_creates_total",
		Help:      "New upstream connections opened by the pool.",
	})
	// PoolCheckinsTotal counts successful checkins.
	PoolCheckinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "pool_checkins_total",
		Help:      "Connections successfully returned to the idle queue.",
	})
	// PoolDiscardsTotal counts connections discarded instead of reused.
	PoolDiscardsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "pool_discards_total",
		Help:      "Connections discarded instead of returned to the idle queue.",
	})
	// PoolTimeoutsTotal counts checkouts that hit pool_checkout_timeout.
	PoolTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "pool_timeouts_total",
		Help:      "Pool checkouts that timed out waiting for capacity.",
	})
	// PoolSizeTotal is the live-count (idle+checked-out) per bucket.
	PoolSizeTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pgvpd",
		Name:      "pool_size_total",
		Help:      "Live connection count per pool bucket.",
	}, []string{"database", "role"})
	// PoolIdle is the idle-queue length per bucket.
	PoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pgvpd",
		Name:      "pool_idle",
		Help:      "Idle connection count per pool bucket.",
	}, []string{"database", "role"})

	// ResolverCacheHitsTotal counts resolver cache hits.
	ResolverCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "resolver_cache_hits_total",
		Help:      "Resolver cache hits.",
	})
	// ResolverCacheMissesTotal counts resolver cache misses.
	ResolverCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "resolver_cache_misses_total",
		Help:      "Resolver cache misses.",
	})
	// ResolverExecutionsTotal counts resolver executions per resolver name.
	ResolverExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "resolver_executions_total",
		Help:      "Resolver executions per resolver.",
	}, []string{"resolver"})
	// ResolverErrorsTotal counts resolver failures per resolver name.
	ResolverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "resolver_errors_total",
		Help:      "Resolver execution errors per resolver.",
	}, []string{"resolver"})

	// TenantRejectedTotal counts tenant-registry admission rejections by
	// reason (denied, limit, rate).
	TenantRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "tenant_rejected_total",
		Help:      "Tenant admission rejections by reason.",
	}, []string{"reason"})
	// TenantTimeoutsTotal counts connections torn down by
	// tenant_query_timeout.
	TenantTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgvpd",
		Name:      "tenant_timeouts_total",
		Help:      "Connections torn down by the per-tenant query inactivity timeout.",
	})

	// InjectionDuration records how long the INJECTING state takes,
	// supplementing spec.md with the original implementation's histogram
	// (see SPEC_FULL.md "metrics.rs histogram").
	InjectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pgvpd",
		Name:      "injection_duration_seconds",
		Help:      "Time spent in the INJECTING state, from sending the SET batch to observing its ReadyForQuery.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Registry is the prometheus registry the admin HTTP surface exposes.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionsTotal, ConnectionsActive,
		PoolCheckoutsTotal, PoolReusesTotal, PoolCreatesTotal, PoolCheckinsTotal,
		PoolDiscardsTotal, PoolTimeoutsTotal, PoolSizeTotal, PoolIdle,
		ResolverCacheHitsTotal, ResolverCacheMissesTotal, ResolverExecutionsTotal, ResolverErrorsTotal,
		TenantRejectedTotal, TenantTimeoutsTotal,
		InjectionDuration,
	)
}
