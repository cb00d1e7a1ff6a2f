// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/eventlog"
	"github.com/taskhive/taskhive/internal/gitops"
	"github.com/taskhive/taskhive/internal/logger"
	"github.com/taskhive/taskhive/internal/registry"
	"github.com/taskhive/taskhive/internal/scheduler"
	"github.com/taskhive/taskhive/internal/server"
	"github.com/taskhive/taskhive/internal/workerpool"
	"github.com/taskhive/taskhive/pkg/containers/docker"
)

func main() {
	cfg, err := config.NewConfig(os.Getenv("TASKHIVE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting taskhive manager")

	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		mainLog.Error().Err(err).Msg("Error creating data directory")
		os.Exit(1)
	}

	var client docker.ClientInterface
	if cfg.Container.DockerHost != "" {
		client, err = docker.NewClientWithHost(cfg.Container.DockerHost)
	} else {
		client, err = docker.NewClient()
	}
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to Docker")
		fmt.Fprintf(os.Stderr, "Error connecting to Docker: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	store := registry.NewStore(cfg.Data, cfg.Scheduler.LockTimeout)
	events := eventlog.New(0)
	git := gitops.NewController(cfg.Git)
	pool := workerpool.NewPool(cfg.Container, cfg.Data, client)
	sched := scheduler.New(store, pool, git, events, cfg.Scheduler, cfg.Hooks)

	// This context drives the scheduler's lifetime.
	ctx, cancel := context.WithCancel(context.Background())

	// Interrupted tasks return to pending and orphan worktrees are
	// reclaimed before any dispatching happens.
	if err := sched.Recover(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Startup recovery failed")
		os.Exit(1)
	}

	go func() {
		mainLog.Info().Msg("Starting scheduler...")
		sched.Run(ctx)
		mainLog.Info().Msg("Scheduler stopped")
	}()

	handlers := server.NewHandlers(store, sched, pool, git, events, cfg.Server)
	srv := server.New(&cfg.Server, handlers)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// scheduler ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("Shutting down scheduler...")
	cancel()

	mainLog.Info().Msg("Manager shut down")
}
