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

// Package config resolves pgvpd's configuration in priority order:
// built-in defaults, then a config file, then environment variables, then
// command-line flags.
package config

import (
	"time"

	"github.com/pgvpd/pgvpd/internal/resolver"
)

// Config is pgvpd's fully-resolved configuration.
type Config struct {
	// Listener
	ListenHost string
	ListenPort int
	TLSPort    int
	TLSCert    string
	TLSKey     string
	TLSMinVersion uint16

	// Upstream
	UpstreamHost     string
	UpstreamPort     int
	UpstreamTLS      bool
	UpstreamTLSVerify bool
	UpstreamTLSCA    string
	UpstreamFallthroughOnTLSRefusal bool

	// Identity grammar
	TenantSeparator  byte
	ValueSeparator   byte
	ContextVariables []string
	SuperuserBypass  []string

	// Pool
	PoolMode            string // "none" or "session"
	PoolSize            int
	PoolPassword        string
	UpstreamPassword    string
	PoolIdleTimeout     time.Duration
	PoolCheckoutTimeout time.Duration

	// Timeouts
	HandshakeTimeout  time.Duration
	TenantQueryTimeout time.Duration

	// Admin
	AdminHost string
	AdminPort int

	// Resolvers
	ResolverFile string
	Resolvers    []resolver.Def
	ResolverCacheMaxItems int

	// Role override
	SetRole string

	// Tenant registry
	TenantAllow          []string
	TenantDeny           []string
	TenantMaxConnections int
	TenantRateLimit      int

	// Listener-wide accept throttling, ahead of any tenant identification
	// (the startup message hasn't been read yet at accept time).
	AcceptRateLimit int // connections/second across all tenants, 0 means unlimited

	// Logging
	LogLevel string
}

// Defaults returns the built-in default configuration, the first and
// lowest-priority layer.
func Defaults() *Config {
	return &Config{
		ListenHost:       "0.0.0.0",
		ListenPort:       6432,
		TLSMinVersion:    0, // netio.ServerTLSConfig defaults this to TLS 1.2
		UpstreamHost:     "127.0.0.1",
		UpstreamPort:     5432,
		UpstreamTLSVerify: true,
		TenantSeparator:  '.',
		ValueSeparator:   ':',
		SuperuserBypass:  []string{"postgres"},
		PoolMode:         "none",
		PoolSize:         10,
		PoolIdleTimeout:     5 * time.Minute,
		PoolCheckoutTimeout: 5 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		AdminHost:        "127.0.0.1",
		AdminPort:        9930,
		ResolverCacheMaxItems: 10000,
		AcceptRateLimit:  0,
		LogLevel:         "info",
	}
}
