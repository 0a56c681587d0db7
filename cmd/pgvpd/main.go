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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pgvpd/pgvpd/internal/admin"
	"github.com/pgvpd/pgvpd/internal/config"
	"github.com/pgvpd/pgvpd/internal/proxy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "pgvpd",
		Short: "pgvpd transparently injects per-tenant security context into PostgreSQL connections",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to pgvpd's TOML configuration file")

	serveCmd := newServeCmd(&configFile)
	root.AddCommand(serveCmd)
	root.AddCommand(newResolversCmd(&configFile))

	// Running pgvpd with no subcommand serves, matching the common
	// "this binary is the thing it proxies for" expectation.
	root.RunE = serveCmd.RunE
	root.Flags().AddFlagSet(serveCmd.Flags())

	return root
}

func newServeCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the proxy and admin HTTP surface until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			logger := newLogger(cfg.LogLevel)

			srv, err := proxy.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("building proxy server: %w", err)
			}

			adminSrv, err := admin.New(admin.Config{
				Host:   cfg.AdminHost,
				Port:   cfg.AdminPort,
				Logger: logger,
			}, admin.Deps{
				Pool:          srv.Pool(),
				ResolverCache: srv.ResolverCache(),
				Tenants:       srv.Tenants(),
				ResolverNames: resolverNames(cfg),
				UpstreamDSN:   upstreamDSN(cfg),
			})
			if err != nil {
				return fmt.Errorf("building admin server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 2)
			go func() { errCh <- srv.Run(ctx) }()
			go func() { errCh <- adminSrv.Run(ctx) }()

			select {
			case err := <-errCh:
				if err != nil {
					logger.Error("server exited", "error", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown did not complete cleanly", "error", err)
			}
			return nil
		},
	}
	registerConfigFlags(cmd)
	return cmd
}

func newResolversCmd(configFile *string) *cobra.Command {
	resolversCmd := &cobra.Command{
		Use:   "resolvers",
		Short: "inspect and validate resolver definitions",
	}

	var explain bool
	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "parse and validate the resolver chain in a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no config file given (use --config or pass a path)")
			}

			cfg, err := config.Load(path, nil)
			if err != nil {
				return fmt.Errorf("validating %v: %w", path, err)
			}

			fmt.Printf("%d resolver(s) validated, in configured order:\n", len(cfg.Resolvers))
			for i, d := range cfg.Resolvers {
				fmt.Printf("  %d. %s\n", i+1, d.Name)
			}

			if explain {
				out, err := yaml.Marshal(cfg.Resolvers)
				if err != nil {
					return fmt.Errorf("rendering resolvers as yaml: %w", err)
				}
				fmt.Println("---")
				fmt.Print(string(out))
			}
			return nil
		},
	}
	validateCmd.Flags().BoolVar(&explain, "explain", false, "dump the parsed resolver definitions as YAML, in configured order")
	resolversCmd.AddCommand(validateCmd)
	return resolversCmd
}

// registerConfigFlags binds a pflag for each of the config keys below so
// command-line flags take precedence over the config file and environment,
// the highest-priority layer in config.Load's resolution order. Config keys
// not listed here have no flag and are set only by file or environment.
func registerConfigFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("listen_host", "", "client-facing listen address")
	fs.Int("listen_port", 0, "client-facing plain TCP port")
	fs.Int("tls_port", 0, "client-facing TLS port (0 disables TLS)")
	fs.String("tls_cert", "", "client-facing TLS certificate path")
	fs.String("tls_key", "", "client-facing TLS key path")
	fs.String("upstream_host", "", "upstream PostgreSQL host")
	fs.Int("upstream_port", 0, "upstream PostgreSQL port")
	fs.Bool("upstream_tls", false, "negotiate TLS to the upstream server")
	fs.String("pool_mode", "", `"none" or "session"`)
	fs.Int("pool_size", 0, "maximum live connections per pool bucket")
	fs.String("resolver_file", "", "path to a standalone resolver definitions file")
	fs.String("set_role", "", "override SET ROLE target regardless of the parsed login role")
	fs.String("admin_host", "", "admin HTTP surface listen address")
	fs.Int("admin_port", 0, "admin HTTP surface listen port")
	fs.Int("accept_rate_limit", 0, "global accepted-connections-per-second limit, 0 means unlimited")
	fs.String("log_level", "", "debug, info, warn, or error")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// upstreamDSN builds the connection string the admin surface's upstream
// health probe uses. It logs in as the fixed role pgvpd_monitor with
// upstream_password, the same password the session pool uses for its own
// upstream logins, and is left empty (disabling the probe) when
// upstream_password isn't configured.
func upstreamDSN(cfg *config.Config) string {
	if cfg.UpstreamPassword == "" {
		return ""
	}
	sslmode := "disable"
	if cfg.UpstreamTLS {
		sslmode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=pgvpd_monitor password=%s sslmode=%s",
		cfg.UpstreamHost, cfg.UpstreamPort, cfg.UpstreamPassword, sslmode)
}

func resolverNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Resolvers))
	for i, d := range cfg.Resolvers {
		names[i] = d.Name
	}
	return names
}
