// Copyright 2025 Kadir Pekel
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

// Package server exposes the deliberation engine over HTTP: council and
// conversation resources, an SSE deliberation stream, leaderboards, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/council"
	"github.com/kadirpekel/synod/pkg/leaderboard"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/storage"
)

// Server wires the engine and its stores to an HTTP listener.
type Server struct {
	loader *config.Loader
	engine *council.Engine
	store  *storage.Store
	board  *leaderboard.Leaderboard

	http *http.Server
}

// Options configures a Server.
type Options struct {
	Addr string
}

// New builds the router and server.
func New(opts Options, loader *config.Loader, engine *council.Engine, store *storage.Store, board *leaderboard.Leaderboard) *Server {
	s := &Server{
		loader: loader,
		engine: engine,
		store:  store,
		board:  board,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/councils", func(r chi.Router) {
		r.Get("/", s.handleListCouncils)
		r.Get("/{councilID}", s.handleGetCouncil)
	})

	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Get("/{conversationID}", s.handleGetConversation)
		r.Delete("/{conversationID}", s.handleDeleteConversation)
		r.Post("/{conversationID}/message/stream", s.handleMessageStream)
	})

	r.Route("/api/leaderboard", func(r chi.Router) {
		r.Get("/", s.handleAllLeaderboards)
		r.Get("/{councilID}", s.handleCouncilLeaderboard)
	})

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String(),
		)
	})
}
