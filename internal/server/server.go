// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the manager's REST + WebSocket API: project and
// task CRUD for operators, internal callback routes for worker
// containers, and live log streaming.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.ServerConfig, handlers *Handlers) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Router(cfg, handlers),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Long enough for a manual merge over a slow repo; WebSocket
			// connections hijack out of these timeouts entirely.
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Router builds the full route tree. Split out of New so tests can mount
// it on httptest servers.
func Router(cfg *config.ServerConfig, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(recoverPanics)
	r.Use(accessLog)
	r.Use(allowOrigins(cfg.AllowedOrigins))
	r.Use(limitBody(1 << 20)) // 1 MB default

	r.Route("/api", func(r chi.Router) {
		// Projects
		r.Get("/projects", handlers.ListProjects)
		r.Post("/projects", handlers.CreateProject)
		r.Get("/local-repos", handlers.ListLocalRepos)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Delete("/", handlers.DeleteProject)
			r.Post("/retry", handlers.RetryProjectSetup)
			r.Patch("/settings", handlers.UpdateProjectSettings)

			// Tasks
			r.Get("/tasks", handlers.ListTasks)
			r.Post("/tasks", handlers.CreateTask)
			r.Get("/tasks/{taskID}", handlers.GetTask)
			r.Delete("/tasks/{taskID}", handlers.DeleteTask)
			r.Post("/tasks/{taskID}/cancel", handlers.CancelTask)
			r.Post("/tasks/{taskID}/retry", handlers.RetryTask)
			r.Post("/tasks/{taskID}/merge", handlers.MergeTask)

			// Plan approval
			r.Post("/plan/approve", handlers.ApprovePlan)
			r.Post("/plan/batch-approve", handlers.BatchApprovePlans)

			// Git inspection
			r.Get("/git/log", handlers.GitLog)
			r.Get("/git/unpushed", handlers.UnpushedCommits)
			r.Post("/git/push", handlers.PushProject)
		})

		// Workers
		r.Get("/workers", handlers.ListWorkers)
		r.Post("/workers/{workerID}/restart", handlers.RestartWorker)

		// Dispatcher events
		r.Get("/dispatcher/events", handlers.DispatcherEvents)
	})

	// Worker container callbacks. No authentication beyond network locality.
	r.Route("/internal/tasks/{projectID}/{taskID}", func(r chi.Router) {
		r.Post("/status", handlers.InternalUpdateStatus)
		r.Get("/", handlers.InternalGetTask)
	})

	// Live agent log streaming
	r.Get("/ws/logs/{workerID}", handlers.StreamLogs(cfg.AllowedOrigins))

	return r
}

// Run starts the HTTP server and blocks until it is shut down.
func (s *Server) Run(ctx context.Context) error {
	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
