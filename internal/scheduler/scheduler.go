// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler runs the dispatch loop: it pairs idle worker slots
// with claimable tasks and drives each task's lifecycle from worktree
// creation through merge and cleanup. One goroutine per in-flight task;
// all git operations against a project's main repo hold that project's
// git lock.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/eventlog"
	"github.com/taskhive/taskhive/internal/gitops"
	"github.com/taskhive/taskhive/internal/logger"
	"github.com/taskhive/taskhive/internal/registry"
	"github.com/taskhive/taskhive/internal/workerpool"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSchedulerLogger().With().Str("component", "loop").Logger()
		log = &l
	})
	return log
}

// Scheduler owns the dispatch loop and per-project git locks.
type Scheduler struct {
	store  *registry.Store
	pool   *workerpool.Pool
	git    *gitops.Controller
	events *eventlog.Log
	cfg    config.SchedulerConfig
	hooks  config.HooksConfig
	data   config.DataConfig

	mu       sync.Mutex
	gitLocks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New wires a scheduler over its collaborators.
func New(store *registry.Store, pool *workerpool.Pool, git *gitops.Controller, events *eventlog.Log, cfg config.SchedulerConfig, hooks config.HooksConfig) *Scheduler {
	return &Scheduler{
		store:    store,
		pool:     pool,
		git:      git,
		events:   events,
		cfg:      cfg,
		hooks:    hooks,
		data:     store.Data(),
		gitLocks: make(map[string]*sync.Mutex),
	}
}

// projectGitLock returns the mutex serializing git operations against a
// project's main repo. Locks are created on first use and never removed.
func (s *Scheduler) projectGitLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.gitLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.gitLocks[projectID] = lock
	}
	return lock
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight lifecycles to finish.
func (s *Scheduler) Run(ctx context.Context) {
	getLog().Info().Msg("Task dispatcher loop started")
	defer s.wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		slot := s.pool.GetIdle()
		if slot == "" {
			if !sleepCtx(ctx, s.cfg.IdlePollInterval) {
				return
			}
			continue
		}

		claim, err := s.store.ClaimNext(slot)
		if err != nil {
			getLog().Warn().Err(err).Msg("Claim attempt failed")
			if !sleepCtx(ctx, s.cfg.ClaimRetryInterval) {
				return
			}
			continue
		}
		if claim == nil {
			if !sleepCtx(ctx, s.cfg.ClaimRetryInterval) {
				return
			}
			continue
		}

		// The slot goes busy before the lifecycle goroutine starts;
		// worktree setup can outlast the pacing interval, and an idle
		// slot would be claimed for a second task meanwhile.
		s.pool.Reserve(slot, claim.Task)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLifecycle(ctx, slot, claim.Project.ID, claim.Task)
		}()

		// Pacing between dispatches.
		if !sleepCtx(ctx, s.cfg.DispatchPacing) {
			return
		}
	}
}

// sleepCtx sleeps for d unless ctx ends first; false means shut down.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
