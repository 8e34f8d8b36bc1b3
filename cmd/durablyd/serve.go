// Copyright 2025 Tom Barlow
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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably/durably/internal/auth"
	"github.com/durably/durably/internal/config"
	"github.com/durably/durably/internal/httpapi"
	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/pkg/durably"
	"github.com/durably/durably/pkg/storage"
	"github.com/durably/durably/pkg/storage/memory"
	"github.com/durably/durably/pkg/storage/postgres"
	"github.com/durably/durably/pkg/storage/sqlite"
)

func newServeCmd(configPath *string) *cobra.Command {
	var withDemoJobs bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, withDemoJobs)
		},
	}
	cmd.Flags().BoolVar(&withDemoJobs, "demo", false, "register built-in demo jobs")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, withDemoJobs bool) error {
	logger := intlog.New(&intlog.Config{
		Level:  cfg.Log.Level,
		Format: intlog.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	tracer, shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}

	inst, err := durably.New(durably.Options{
		Store:             store,
		Logger:            logger,
		Tracer:            tracer,
		WorkerID:          cfg.Worker.ID,
		PollingInterval:   cfg.Worker.PollingInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleThreshold:    cfg.Worker.StaleThreshold,
	})
	if err != nil {
		return err
	}

	if withDemoJobs {
		if err := registerDemoJobs(inst); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := inst.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	server := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr: cfg.Server.ListenAddr,
		BasePath:   cfg.Server.BasePath,
		Auth:       buildAuthConfig(cfg.Auth),
		Logger:     logger,
	}, inst)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("durablyd started",
		"version", version,
		"backend", cfg.Storage.Backend,
		"listen_addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", intlog.Error(err))
	}
	if err := inst.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown error", intlog.Error(err))
	}
	logger.Info("durablyd stopped")
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Path, WAL: true})
	case "postgres":
		return postgres.New(postgres.Config{
			ConnectionString: cfg.ConnectionString,
			MaxOpenConns:     cfg.MaxOpenConns,
		})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildAuthConfig(cfg config.AuthConfig) auth.Config {
	out := auth.Config{
		Enabled: cfg.Enabled,
		RateLimit: auth.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
		},
	}
	for _, key := range cfg.APIKeys {
		out.APIKeys = append(out.APIKeys, auth.APIKey{Key: key.Key, Name: key.Name})
	}
	if cfg.JWTSecret != "" {
		out.JWT = &auth.JWTConfig{
			Secret:    []byte(cfg.JWTSecret),
			Issuer:    cfg.JWTIssuer,
			ClockSkew: 30 * time.Second,
		}
	}
	return out
}

// setupTracing configures span export to stdout when enabled; otherwise a
// no-op provider.
func setupTracing(cfg config.TracingConfig) (trace.Tracer, func(), error) {
	if !cfg.Enabled {
		return otel.Tracer("durablyd"), func() {}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Warn("trace provider shutdown error", intlog.Error(err))
		}
	}
	return provider.Tracer("durablyd"), shutdown, nil
}
