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

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/resolver"
)

// loadResolverFile parses a standalone resolver-definitions file (its own
// "[[resolver]]" array-of-tables, same TOML shape as the inline section)
// at path, for operators who prefer to keep resolver chains out of the
// main config file (spec.md §6 "resolver file path").
func loadResolverFile(path string) ([]resolver.Def, error) {
	rv := viper.New()
	rv.SetConfigType("toml")
	rv.SetConfigFile(path)
	if err := rv.ReadInConfig(); err != nil {
		return nil, trace.Wrap(err)
	}
	return loadResolversFromViper(rv)
}

// Load resolves Config in priority order: Defaults() -> config file at
// path (if non-empty) -> environment variables prefixed PGVPD_ -> flags
// bound in fs. The file is parsed as TOML, whose "[[resolver]]"
// array-of-tables syntax is exactly spec.md §6's tabular resolver form.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("PGVPD")
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, trace.Wrap(err, "failed to read config file %v", path)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, trace.Wrap(err, "failed to bind flags")
		}
	}

	if err := apply(v, cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	var resolvers []resolver.Def
	if cfg.ResolverFile != "" {
		fileResolvers, err := loadResolverFile(cfg.ResolverFile)
		if err != nil {
			return nil, trace.Wrap(err, "loading resolver_file %v", cfg.ResolverFile)
		}
		resolvers = append(resolvers, fileResolvers...)
	}
	inline, err := loadResolversFromViper(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resolvers = append(resolvers, inline...)
	if len(resolvers) > 0 {
		cfg.Resolvers = resolvers
	}

	if err := ValidateResolvers(cfg.Resolvers); err != nil {
		return nil, trace.Wrap(err)
	}

	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen_host", cfg.ListenHost)
	v.SetDefault("listen_port", cfg.ListenPort)
	v.SetDefault("tls_port", cfg.TLSPort)
	v.SetDefault("tls_cert", cfg.TLSCert)
	v.SetDefault("tls_key", cfg.TLSKey)
	v.SetDefault("upstream_host", cfg.UpstreamHost)
	v.SetDefault("upstream_port", cfg.UpstreamPort)
	v.SetDefault("upstream_tls", cfg.UpstreamTLS)
	v.SetDefault("upstream_tls_verify", cfg.UpstreamTLSVerify)
	v.SetDefault("upstream_tls_ca", cfg.UpstreamTLSCA)
	v.SetDefault("tenant_separator", string(cfg.TenantSeparator))
	v.SetDefault("value_separator", string(cfg.ValueSeparator))
	v.SetDefault("context_variables", cfg.ContextVariables)
	v.SetDefault("superuser_bypass", cfg.SuperuserBypass)
	v.SetDefault("pool_mode", cfg.PoolMode)
	v.SetDefault("pool_size", cfg.PoolSize)
	v.SetDefault("pool_password", cfg.PoolPassword)
	v.SetDefault("upstream_password", cfg.UpstreamPassword)
	v.SetDefault("pool_idle_timeout_seconds", int(cfg.PoolIdleTimeout.Seconds()))
	v.SetDefault("pool_checkout_timeout_seconds", int(cfg.PoolCheckoutTimeout.Seconds()))
	v.SetDefault("handshake_timeout_seconds", int(cfg.HandshakeTimeout.Seconds()))
	v.SetDefault("admin_host", cfg.AdminHost)
	v.SetDefault("admin_port", cfg.AdminPort)
	v.SetDefault("resolver_file", cfg.ResolverFile)
	v.SetDefault("resolver_cache_max_items", cfg.ResolverCacheMaxItems)
	v.SetDefault("set_role", cfg.SetRole)
	v.SetDefault("tenant_allow", cfg.TenantAllow)
	v.SetDefault("tenant_deny", cfg.TenantDeny)
	v.SetDefault("tenant_max_connections", cfg.TenantMaxConnections)
	v.SetDefault("tenant_rate_limit", cfg.TenantRateLimit)
	v.SetDefault("accept_rate_limit", cfg.AcceptRateLimit)
	v.SetDefault("tenant_query_timeout_seconds", int(cfg.TenantQueryTimeout.Seconds()))
	v.SetDefault("log_level", cfg.LogLevel)
}

func apply(v *viper.Viper, cfg *Config) error {
	cfg.ListenHost = v.GetString("listen_host")
	cfg.ListenPort = v.GetInt("listen_port")
	cfg.TLSPort = v.GetInt("tls_port")
	cfg.TLSCert = v.GetString("tls_cert")
	cfg.TLSKey = v.GetString("tls_key")
	cfg.UpstreamHost = v.GetString("upstream_host")
	cfg.UpstreamPort = v.GetInt("upstream_port")
	cfg.UpstreamTLS = v.GetBool("upstream_tls")
	cfg.UpstreamTLSVerify = v.GetBool("upstream_tls_verify")
	cfg.UpstreamTLSCA = v.GetString("upstream_tls_ca")

	sep := v.GetString("tenant_separator")
	if sep == "" {
		sep = "."
	}
	cfg.TenantSeparator = sep[0]

	valSep := v.GetString("value_separator")
	if valSep == "" {
		valSep = ":"
	}
	cfg.ValueSeparator = valSep[0]

	cfg.ContextVariables = v.GetStringSlice("context_variables")
	cfg.SuperuserBypass = v.GetStringSlice("superuser_bypass")

	cfg.PoolMode = v.GetString("pool_mode")
	if cfg.PoolMode != "none" && cfg.PoolMode != "session" {
		return trace.BadParameter("pool_mode must be \"none\" or \"session\", got %q", cfg.PoolMode)
	}
	cfg.PoolSize = v.GetInt("pool_size")
	cfg.PoolPassword = v.GetString("pool_password")
	cfg.UpstreamPassword = v.GetString("upstream_password")
	cfg.PoolIdleTimeout = time.Duration(v.GetInt("pool_idle_timeout_seconds")) * time.Second
	cfg.PoolCheckoutTimeout = time.Duration(v.GetInt("pool_checkout_timeout_seconds")) * time.Second
	cfg.HandshakeTimeout = time.Duration(v.GetInt("handshake_timeout_seconds")) * time.Second
	cfg.TenantQueryTimeout = time.Duration(v.GetInt("tenant_query_timeout_seconds")) * time.Second

	cfg.AdminHost = v.GetString("admin_host")
	cfg.AdminPort = v.GetInt("admin_port")

	cfg.ResolverFile = v.GetString("resolver_file")
	cfg.ResolverCacheMaxItems = v.GetInt("resolver_cache_max_items")
	cfg.SetRole = v.GetString("set_role")

	cfg.TenantAllow = v.GetStringSlice("tenant_allow")
	cfg.TenantDeny = v.GetStringSlice("tenant_deny")
	cfg.TenantMaxConnections = v.GetInt("tenant_max_connections")
	cfg.TenantRateLimit = v.GetInt("tenant_rate_limit")
	cfg.AcceptRateLimit = v.GetInt("accept_rate_limit")

	cfg.LogLevel = v.GetString("log_level")

	return nil
}
