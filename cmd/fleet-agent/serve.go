// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleet-x-project/fleet/config"
	"github.com/fleet-x-project/fleet/directory"
	"github.com/fleet-x-project/fleet/event"
	"github.com/fleet-x-project/fleet/health"
	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/identity/vault"
	"github.com/fleet-x-project/fleet/internal/logger"
	"github.com/fleet-x-project/fleet/rpc"
)

var (
	serveConfigFile string
	serveAID        string
	serveName       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet RPC server",
	Long: `Serve loads fleet.yaml, loads the agent's vaulted identity (or generates
a fresh one when the vault is disabled), starts the
JSON-RPC-over-WebSocket server, registers the agent in the directory, and
serves a health endpoint until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "fleet.yaml", "path to the fleet configuration file")
	serveCmd.Flags().StringVar(&serveAID, "aid", "", "AID of the vaulted identity to serve as")
	serveCmd.Flags().StringVar(&serveName, "name", "fleet-agent", "directory display name for this agent")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(serveConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLoggerFromConfig(cfg)

	kp, err := loadServeIdentity(cfg)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	defer kp.Zeroize()

	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("derive aid: %w", err)
	}

	dir := directory.NewInMemory()
	directory.Init(dir)

	events := event.New(1024, event.WithLogger(log))

	srv := buildServer(cfg, events, log)
	srv.OnClientConnected(func(clientAID string) {
		log.Info("client connected", logger.String("aid", clientAID))
	})
	srv.OnClientDisconnected(func(clientAID string) {
		log.Info("client disconnected", logger.String("aid", clientAID))
	})

	listenAddr := ":8080"
	if cfg.RPC != nil {
		listenAddr = cfg.RPC.ListenAddr
	}

	dir.Register(directory.AgentMetadata{
		DID:  aid,
		Name: serveName,
		Endpoints: directory.Endpoints{
			RPC: "ws://" + listenAddr + "/rpc",
		},
	})
	defer dir.Unregister(aid)

	checker := buildHealthChecker(cfg, dir, srv)

	mux := http.NewServeMux()
	mux.Handle("/rpc", srv.Handler())
	mux.HandleFunc(healthPath(cfg), func(w http.ResponseWriter, r *http.Request) {
		serveHealth(w, r, checker)
	})

	httpSrv := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("fleet-agent listening", logger.String("addr", listenAddr), logger.String("aid", aid))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return srv.Close()
}

func loadServeIdentity(cfg *config.Config) (*identity.KeyPair, error) {
	if cfg.Identity == nil || !cfg.Identity.VaultEnabled {
		return identity.Generate()
	}
	if serveAID == "" {
		return nil, fmt.Errorf("--aid is required when identity.vault_enabled is true")
	}

	v, err := vault.NewFileVault(cfg.Identity.KeyDirectory)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	passphrase := os.Getenv(cfg.Identity.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase environment variable %s is not set", cfg.Identity.PassphraseEnv)
	}

	return v.Load(serveAID, passphrase)
}

func buildServer(cfg *config.Config, events *event.Core, log logger.Logger) *rpc.Server {
	opts := []rpc.ServerOption{
		rpc.WithEventCore(events),
		rpc.WithServerLogger(log),
	}

	requireAuth := true
	heartbeat := 30 * time.Second
	var rateLimit *config.RateLimitConfig
	if cfg.RPC != nil {
		requireAuth = cfg.RPC.RequireAuth
		if cfg.RPC.HeartbeatInterval > 0 {
			heartbeat = cfg.RPC.HeartbeatInterval
		}
		rateLimit = cfg.RPC.RateLimit
	}
	opts = append(opts, rpc.WithRequireAuth(requireAuth), rpc.WithHeartbeat(heartbeat))

	srv := rpc.NewServer(opts...)

	if rateLimit != nil && rateLimit.MaxRequests > 0 {
		srv.Use(rpc.RateLimiterMiddleware(rpc.RateLimiterOptions{
			MaxRequests: rateLimit.MaxRequests,
			WindowMs:    rateLimit.WindowMs,
		}))
	}

	srv.RegisterHandler("fleet.ping", func(_ context.Context, _ *rpc.Ctx, _ json.RawMessage) (interface{}, error) {
		return map[string]string{"status": "ok"}, nil
	})

	return srv
}

func buildHealthChecker(cfg *config.Config, dir directory.Provider, srv *rpc.Server) *health.HealthChecker {
	timeout := 5 * time.Second
	if cfg.Directory != nil && cfg.Directory.LookupTimeout > 0 {
		timeout = cfg.Directory.LookupTimeout
	}

	checker := health.NewHealthChecker(timeout)
	checker.RegisterCheck("directory", health.DirectoryHealthCheck(func(ctx context.Context) error {
		_, _, err := directory.LookupWithTimeout(ctx, dir, "*", timeout)
		return err
	}))
	checker.RegisterCheck("rpc", health.RPCServerHealthCheck(srv.GetConnectionCount, 0))
	return checker
}

func serveHealth(w http.ResponseWriter, r *http.Request, checker *health.HealthChecker) {
	status := checker.GetSystemHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status != health.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func healthPath(cfg *config.Config) string {
	if cfg.Health != nil && cfg.Health.Path != "" {
		return cfg.Health.Path
	}
	return "/healthz"
}

func newLoggerFromConfig(cfg *config.Config) *logger.StructuredLogger {
	level := logger.InfoLevel
	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = logger.DebugLevel
		case "warn":
			level = logger.WarnLevel
		case "error":
			level = logger.ErrorLevel
		}
	}
	l := logger.NewLogger(os.Stdout, level)
	return l
}
