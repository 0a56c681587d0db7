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

// Package admin serves the read-only, unauthenticated HTTP surface:
// /health, /metrics, /status. It binds to whatever interface the
// operator configures — typically localhost or a private network — the
// server trusts its caller the way spec.md §6 describes.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/resolver"
	"github.com/pgvpd/pgvpd/internal/tenant"
)

// Deps are the live components /status reports on.
type Deps struct {
	Pool          *pool.Pool
	ResolverCache *resolver.Cache
	Tenants       *tenant.Registry
	ResolverNames []string // every configured resolver, even ones never yet exercised

	// UpstreamDSN, if set, lets /health/upstream open its own short-lived
	// connection to the database pgvpd proxies for, independent of the
	// hand-framed wire protocol the proxy itself speaks on the hot path.
	UpstreamDSN string
}

// Config configures the admin HTTP server.
type Config struct {
	Host   string
	Port   int
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *Config) checkAndSetDefaults() error {
	if cfg.Port == 0 {
		return trace.BadParameter("admin port is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the admin HTTP surface.
type Server struct {
	cfg     Config
	deps    Deps
	startAt time.Time
}

// New constructs a Server. It does not bind a listener until Run is
// called.
func New(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, deps: deps, startAt: cfg.Clock.Now()}, nil
}

// Run binds the listener and serves until ctx is cancelled, mirroring the
// teacher's diagnostics service shutdown pattern (a goroutine closing the
// server on ctx.Done, ListenAndServe's ErrServerClosed swallowed).
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/upstream", s.handleUpstreamHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := srv.Close(); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to close admin HTTP server", "error", err)
		}
	}()

	s.cfg.Logger.InfoContext(ctx, "admin HTTP surface listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpstreamHealth opens a throwaway connection to the proxied
// database and pings it, reporting on upstream reachability independent
// of pgvpd's own listener. It uses pgconn directly rather than the proxy's
// hand-rolled wire codec: this path never carries client traffic, so there
// is no startup frame to relay and nothing the wire package's framing
// buys it.
func (s *Server) handleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.UpstreamDSN == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown", "reason": "no upstream_password configured for health probing"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	conn, err := pgconn.Connect(ctx, s.deps.UpstreamDSN)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	defer conn.Close(ctx)

	if err := conn.Exec(ctx, "SELECT 1").Close(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bucketStatus struct {
	Total int `json:"total"`
	Idle  int `json:"idle"`
}

type statusPayload struct {
	ConnectionsTotal    float64                 `json:"connections_total"`
	ConnectionsActive   float64                 `json:"connections_active"`
	Pool                map[string]bucketStatus `json:"pool"`
	Resolvers           map[string]int          `json:"resolvers"`
	UptimeSeconds       float64                 `json:"uptime_seconds"`
	ResolversConfigured []string                `json:"resolvers_configured"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		ConnectionsTotal:    counterValue(metrics.ConnectionsTotal),
		ConnectionsActive:   gaugeValue(metrics.ConnectionsActive),
		Pool:                map[string]bucketStatus{},
		Resolvers:           map[string]int{},
		UptimeSeconds:       s.cfg.Clock.Now().Sub(s.startAt).Seconds(),
		ResolversConfigured: s.deps.ResolverNames,
	}

	if s.deps.Pool != nil {
		for _, key := range s.deps.Pool.Buckets() {
			total, idle := s.deps.Pool.Stats(key)
			payload.Pool[key.Database+"/"+key.Role] = bucketStatus{Total: total, Idle: idle}
		}
	}
	if s.deps.ResolverCache != nil {
		payload.Resolvers["cache_size"] = s.deps.ResolverCache.Size()
	}

	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
