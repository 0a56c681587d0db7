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

// Package proxy implements the per-connection state machine that turns a
// PostgreSQL client connection into an authenticated, security-context-
// injected upstream session.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/config"
	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/resolver"
	"github.com/pgvpd/pgvpd/internal/tenant"
)

// Server owns every shared dependency a Handler needs and runs the accept
// loop(s) that spawn one Handler per incoming client connection.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	logger *slog.Logger
	clock  clockwork.Clock

	upstreamAddr       string
	upstreamTLSConfig  *tls.Config
	clientTLSConfig    *tls.Config

	pool           *pool.Pool
	resolverEngine *resolver.Engine
	resolverCache  *resolver.Cache
	tenants        *tenant.Registry

	acceptLimiter *rate.Limiter

	plainListener net.Listener
	tlsListener   net.Listener

	wg sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Server from cfg, wiring the pool, resolver engine, and
// tenant registry, but does not start accepting connections — call Run
// for that.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		log:          logger,
		logger:       logger,
		clock:        clockwork.NewRealClock(),
		upstreamAddr: fmt.Sprintf("%s:%d", cfg.UpstreamHost, cfg.UpstreamPort),
		closed:       make(chan struct{}),
	}

	if cfg.UpstreamTLS {
		tlsCfg, err := netio.UpstreamTLSConfig(cfg.UpstreamTLSVerify, cfg.UpstreamTLSCA)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.upstreamTLSConfig = tlsCfg
	}
	if cfg.TLSPort != 0 {
		tlsCfg, err := netio.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSMinVersion)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.clientTLSConfig = tlsCfg
	}

	cache := resolver.NewCache(cfg.ResolverCacheMaxItems).WithClock(s.clock)
	s.resolverCache = cache
	if len(cfg.Resolvers) > 0 {
		eng, err := resolver.New(cfg.Resolvers, cache)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.resolverEngine = eng
	}

	s.tenants = tenant.New(tenant.Config{
		Allow:          toSet(cfg.TenantAllow),
		Deny:           toSet(cfg.TenantDeny),
		MaxConnections: cfg.TenantMaxConnections,
		RateLimit:      cfg.TenantRateLimit,
		Clock:          s.clock,
	})

	if cfg.PoolMode == "session" {
		s.pool = pool.New(pool.Config{
			Size:            cfg.PoolSize,
			CheckoutTimeout: cfg.PoolCheckoutTimeout,
			IdleTimeout:     cfg.PoolIdleTimeout,
			Clock:           s.clock,
			Dial:            s.poolDialer(),
			Reset:           s.poolResetter(),
		})
	}

	if cfg.AcceptRateLimit > 0 {
		s.acceptLimiter = rate.NewLimiter(rate.Limit(cfg.AcceptRateLimit), cfg.AcceptRateLimit)
	}

	return s, nil
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}

// Run starts accepting connections on the plain listener and, if
// configured, the TLS listener, blocking until ctx is cancelled or a
// listener fails to start.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "failed to listen on %v", addr)
	}
	s.plainListener = ln

	if s.pool != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pool.RunReaper(ctx)
		}()
	}

	var tlsLn net.Listener
	if s.clientTLSConfig != nil {
		tlsAddr := fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.TLSPort)
		tlsLn, err = net.Listen("tcp", tlsAddr)
		if err != nil {
			ln.Close()
			return trace.Wrap(err, "failed to listen on %v", tlsAddr)
		}
		s.tlsListener = tlsLn
	}

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()

	var acceptWG sync.WaitGroup
	acceptWG.Add(1)
	go func() {
		defer acceptWG.Done()
		s.acceptLoop(ctx, ln, false)
	}()
	if tlsLn != nil {
		acceptWG.Add(1)
		go func() {
			defer acceptWG.Done()
			s.acceptLoop(ctx, tlsLn, true)
		}()
	}
	acceptWG.Wait()
	return nil
}

func (s *Server) closeListeners() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.plainListener != nil {
			s.plainListener.Close()
		}
		if s.tlsListener != nil {
			s.tlsListener.Close()
		}
	})
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, useTLS bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Warn("accept failed", "error", err, "tls", useTLS)
			return
		}

		if s.acceptLimiter != nil {
			if err := s.acceptLimiter.Wait(ctx); err != nil {
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn, useTLS)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn, useTLS bool) {
	var stream netio.Stream = conn
	if useTLS {
		upgraded, err := netio.UpgradeServerTLS(conn, s.clientTLSConfig)
		if err != nil {
			s.log.Debug("client TLS handshake failed", "error", err)
			conn.Close()
			return
		}
		stream = upgraded
	}
	newHandler(s, stream).run(ctx)
}

// Shutdown stops accepting new connections, closes idle pooled
// connections, and waits (bounded by ctx) for in-flight handlers to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListeners()
	if s.pool != nil {
		s.pool.CloseIdle()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err(), "timed out waiting for in-flight connections to drain")
	}
}

// dialUpstream opens a connection to the upstream database, negotiating
// TLS first if configured. Used directly for the bypass path and direct
// (non-pool) tenant connections; the pool's own Dialer additionally runs
// the full startup/auth handshake (see poolDialer).
func (s *Server) dialUpstream() (netio.Stream, error) {
	stream, err := netio.Dial(s.upstreamAddr, s.cfg.HandshakeTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if s.cfg.UpstreamTLS {
		upgraded, err := netio.NegotiateUpstreamTLS(stream, s.upstreamTLSConfig, s.cfg.UpstreamFallthroughOnTLSRefusal)
		if err != nil {
			stream.Close()
			return nil, trace.Wrap(err)
		}
		stream = upgraded
	}
	return stream, nil
}

// Pool exposes the session pool for the admin status surface. Nil when
// pool_mode is "none".
func (s *Server) Pool() *pool.Pool { return s.pool }

// ResolverCache exposes the resolver result cache for the admin status
// surface.
func (s *Server) ResolverCache() *resolver.Cache { return s.resolverCache }

// Tenants exposes the tenant registry for the admin status surface.
func (s *Server) Tenants() *tenant.Registry { return s.tenants }

// identityConfig adapts pgvpd's configuration into the slice ParseIdentity
// needs.
func (s *Server) identityConfig() IdentityConfig {
	return IdentityConfig{
		TenantSeparator:  s.cfg.TenantSeparator,
		ValueSeparator:   s.cfg.ValueSeparator,
		ContextVariables: s.cfg.ContextVariables,
		SuperuserBypass:  toSet(s.cfg.SuperuserBypass),
	}
}
