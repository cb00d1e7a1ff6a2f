// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/internal/registry"
)

// eventTailCap bounds merge/test log tails so recent events stay readable.
const (
	eventTailLines = 50
	eventTailChars = 6000
)

// runLifecycle drives one claimed task end to end: worktree, container,
// verification, merge-and-test, auto-merge or merge_pending, cleanup.
// Every failure path cleans up and idles the slot.
func (s *Scheduler) runLifecycle(ctx context.Context, workerID, projectID string, task *models.Task) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		getLog().Error().Err(err).Str("project_id", projectID).Msg("Project vanished before lifecycle")
		s.failTask(projectID, task.ID, "project not found")
		s.pool.MarkIdle(workerID)
		return
	}

	repoDir := s.data.RepoDir(projectID)
	worktreeDir := s.data.WorktreeDir(projectID, workerID)
	logDir := s.data.LogsDir(projectID)
	logFile := s.data.LogFile(projectID, workerID)
	branch := models.BranchForTask(task.ID)
	base := project.Branch
	if base == "" {
		base = "main"
	}

	os.MkdirAll(logDir, 0755)
	os.MkdirAll(s.data.WorktreesDir(projectID), 0755)

	// 1. Worktree.
	s.events.Emit(workerID, "Creating worktree on branch "+branch)
	if err := s.git.CreateWorktree(ctx, repoDir, worktreeDir, branch, base); err != nil {
		getLog().Error().Err(err).Str("task_id", task.ID).Msg("Worktree creation failed")
		s.events.Emit(workerID, "Worktree creation failed for task "+task.ID)
		s.failTask(projectID, task.ID, "worktree creation failed")
		s.pool.MarkIdle(workerID)
		return
	}

	// 2. Cross-project experience (best effort, bounded).
	experience := s.queryExperience(ctx, projectID, task.Title, task.Description)
	if experience != "" {
		s.events.Emit(workerID, "Loaded cross-project experience context")
	}

	// 3. Container.
	s.events.Emit(workerID, "Starting container...")
	if err := s.pool.RunTask(ctx, workerID, project, task, worktreeDir, repoDir, logDir, branch, experience); err != nil {
		getLog().Error().Err(err).Str("task_id", task.ID).Msg("Container start failed")
		s.events.Emit(workerID, "Container start failed for task "+task.ID)
		s.failTask(projectID, task.ID, "container start failed")
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
		s.pool.MarkIdle(workerID)
		return
	}
	s.events.Emit(workerID, "Container started for: "+task.Title)

	// 4. Wait for exit. The container POSTs its own status transitions.
	exitCode, waitErr := s.pool.WaitContainer(ctx, workerID)
	if waitErr != nil {
		getLog().Warn().Err(waitErr).Str("task_id", task.ID).Msg("Container wait returned error")
		s.events.Emit(workerID, fmt.Sprintf("Container wait warning: %v", waitErr))
	}
	s.events.Emit(workerID, fmt.Sprintf("Container exited (code %d)", exitCode))

	// 5. Re-read authoritative status from the registry.
	updated, err := s.store.GetTask(projectID, task.ID)
	if err != nil {
		s.pool.MarkIdle(workerID)
		return
	}
	if updated.Status == models.TaskFailed {
		reason := updated.Error
		if reason == "" {
			reason = "unknown error"
		}
		s.events.Emit(workerID, "Task failed: "+reason)
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
		s.pool.MarkIdle(workerID)
		return
	}
	if updated.Status == models.TaskCancelled {
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
		s.pool.MarkIdle(workerID)
		return
	}
	if updated.Status != models.TaskMerging && exitCode != 0 {
		reason := fmt.Sprintf("container exit %d", exitCode)
		s.events.Emit(workerID, "Task failed: "+reason)
		s.failTask(projectID, task.ID, reason)
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
		s.pool.MarkIdle(workerID)
		return
	}

	// 6. The branch must carry real work before it touches the repo.
	if err := s.git.VerifyCommit(ctx, worktreeDir, base); err != nil {
		s.events.Emit(workerID, "Task failed: "+err.Error())
		s.failTask(projectID, task.ID, err.Error())
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
		s.pool.MarkIdle(workerID)
		return
	}

	// 7. Merge pipeline, serialized per project.
	lock := s.projectGitLock(projectID)
	lock.Lock()
	s.mergePipeline(ctx, workerID, project, task, repoDir, worktreeDir, logFile, branch, base)
	lock.Unlock()

	s.pool.MarkIdle(workerID)
	getLog().Info().Str("worker_id", workerID).Str("task_id", task.ID).Msg("Task lifecycle complete")
}

// mergePipeline runs merge-and-test then either auto-merge or
// merge_pending handoff. Caller holds the project git lock.
func (s *Scheduler) mergePipeline(ctx context.Context, workerID string, project *models.Project, task *models.Task, repoDir, worktreeDir, logFile, branch, base string) {
	projectID := project.ID

	s.events.Emit(workerID, "Running merge & test...")
	ok, reason, output := s.git.MergeAndTest(ctx, repoDir, worktreeDir, branch, base, workerID, task.ID)
	if !ok {
		if reason == "" {
			reason = "merge or test failed"
		}
		s.events.Emit(workerID, "Task failed: "+reason)
		if tail := tailText(output); tail != "" {
			s.events.Emit(workerID, "merge/test log tail:\n"+tail)
		}
		s.failTask(projectID, task.ID, "merge or test failed: "+reason)
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
		return
	}

	if project.AutoMerge {
		finalCommit := s.git.AutoMerge(ctx, repoDir, branch, base, project.AutoPush, workerID)
		if finalCommit != "" {
			s.completeTask(projectID, task.ID, finalCommit)
			s.events.Emit(workerID, "Task completed: "+task.Title)
			s.logExperience(ctx, repoDir, projectID, project.Name, task, workerID, finalCommit, logFile)
			s.events.Emit(workerID, "Cleaning up worktree")
			s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, true)
			if project.AutoPush {
				s.git.DeleteRemoteBranch(ctx, repoDir, branch)
			}
			return
		}

		// Merge to base failed: keep the branch for a manual merge.
		head := s.git.WorktreeHead(ctx, worktreeDir)
		s.markMergePending(projectID, task.ID, head)
		s.events.Emit(workerID, "Auto-merge failed, kept branch "+branch+" for manual merge")
		s.logExperience(ctx, repoDir, projectID, project.Name, task, workerID, head, logFile)
		s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, false)
		return
	}

	// Manual merge mode.
	head := s.git.WorktreeHead(ctx, worktreeDir)
	s.markMergePending(projectID, task.ID, head)
	s.events.Emit(workerID, "Task ready for merge: "+task.Title)
	s.logExperience(ctx, repoDir, projectID, project.Name, task, workerID, head, logFile)
	s.git.CleanupWorktree(ctx, repoDir, worktreeDir, branch, false)
}

func (s *Scheduler) failTask(projectID, taskID, reason string) {
	status := models.TaskFailed
	if _, err := s.store.UpdateTask(projectID, taskID, registry.TaskUpdate{Status: &status, Error: &reason}); err != nil {
		getLog().Warn().Err(err).Str("task_id", taskID).Msg("Failed to record task failure")
	}
}

func (s *Scheduler) completeTask(projectID, taskID, commit string) {
	status := models.TaskCompleted
	if _, err := s.store.UpdateTask(projectID, taskID, registry.TaskUpdate{Status: &status, CommitID: &commit}); err != nil {
		getLog().Warn().Err(err).Str("task_id", taskID).Msg("Failed to record task completion")
	}
}

func (s *Scheduler) markMergePending(projectID, taskID, commit string) {
	status := models.TaskMergePending
	if _, err := s.store.UpdateTask(projectID, taskID, registry.TaskUpdate{Status: &status, CommitID: &commit}); err != nil {
		getLog().Warn().Err(err).Str("task_id", taskID).Msg("Failed to mark task merge_pending")
	}
}

// tailText keeps the last lines of merge/test output within the event
// payload bounds.
func tailText(output string) string {
	if output == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	if len(lines) > eventTailLines {
		lines = lines[len(lines)-eventTailLines:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > eventTailChars {
		tail = tail[len(tail)-eventTailChars:]
	}
	return tail
}
