// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Recover re-establishes a clean state at startup, before traffic:
// in-flight tasks return to pending, and every leftover worktree and task
// branch is reclaimed. Interrupted work simply runs again.
func (s *Scheduler) Recover(ctx context.Context) error {
	count, err := s.store.ResetStaleTasks()
	if err != nil {
		return fmt.Errorf("failed to reset stale tasks: %w", err)
	}

	projects, err := s.store.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects for recovery: %w", err)
	}
	for _, project := range projects {
		repoDir := s.data.RepoDir(project.ID)
		if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
			continue
		}
		s.git.CleanupProjectWorktrees(ctx, repoDir, s.data.WorktreesDir(project.ID))
	}

	s.events.Emit("system", fmt.Sprintf("Recovered %d interrupted tasks on startup", count))
	getLog().Info().Int("recovered", count).Msg("Startup recovery complete")
	return nil
}
