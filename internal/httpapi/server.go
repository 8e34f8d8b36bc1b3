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

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/durably/durably/internal/auth"
	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/pkg/durably"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	// ListenAddr is the TCP address to bind, e.g. ":8484".
	ListenAddr string

	// BasePath prefixes all API routes, e.g. "/v1".
	BasePath string

	// Auth configures authentication; zero value disables it.
	Auth auth.Config

	// Logger receives server diagnostics.
	Logger *slog.Logger
}

// Server serves the REST and SSE API for one engine instance.
type Server struct {
	cfg      ServerConfig
	inst     *durably.Instance
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer builds a server with routes, auth, and request logging wired.
func NewServer(cfg ServerConfig, inst *durably.Instance) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = intlog.WithComponent(logger, "httpapi")

	mux := http.NewServeMux()
	handler := NewHandler(inst, WithLogger(logger), WithBasePath(cfg.BasePath))
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	cfg.Auth.Logger = logger
	authMw := auth.NewMiddleware(cfg.Auth)

	s := &Server{
		cfg:    cfg,
		inst:   inst,
		logger: logger,
	}
	s.server = &http.Server{
		Handler: intlog.HTTPMiddleware(logger, authMw.Wrap(mux)),
		// No WriteTimeout: SSE streams are long-lived; per-frame deadlines
		// are applied by the stream handler instead.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the listener and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info("api server listening", "addr", ln.Addr().String())

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains connections gracefully, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
