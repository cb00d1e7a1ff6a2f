// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"fmt"

	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/internal/registry"
)

// CancelTask cancels a task. Active tasks get their container stopped and
// slot idled; queue-resident tasks transition directly.
func (s *Scheduler) CancelTask(ctx context.Context, projectID, taskID string) (*models.Task, error) {
	task, wasActive, err := s.store.CancelTask(projectID, taskID)
	if err != nil {
		return nil, err
	}
	if wasActive {
		for _, slot := range s.pool.GetAll() {
			if slot.CurrentTaskID == taskID {
				s.pool.StopWorker(ctx, slot.ID)
				break
			}
		}
		s.events.Emit("scheduler", "Cancelled running task: "+task.Title)
	}
	return task, nil
}

// RestartWorker stops a slot's container and idles the slot. Any task the
// slot was executing is failed so it can be retried explicitly.
func (s *Scheduler) RestartWorker(ctx context.Context, workerID string) error {
	slot := s.pool.Get(workerID)
	if slot == nil {
		return fmt.Errorf("worker %s: %w", workerID, registry.ErrNotFound)
	}
	taskID := slot.CurrentTaskID

	if !s.pool.StopWorker(ctx, workerID) {
		return fmt.Errorf("worker %s has no running container", workerID)
	}

	if taskID != "" {
		projects, err := s.store.ListProjects()
		if err == nil {
			for _, project := range projects {
				task, err := s.store.GetTask(project.ID, taskID)
				if err != nil || !task.Status.IsActive() {
					continue
				}
				s.failTask(project.ID, taskID, "worker restarted")
				break
			}
		}
	}

	s.events.Emit(workerID, "Worker restarted by operator")
	return nil
}

// MergeTask performs an operator-requested merge of a merge_pending task
// into the project's base branch, under the project git lock. On success
// the task completes with the merged commit.
func (s *Scheduler) MergeTask(ctx context.Context, projectID, taskID string, squash bool) (string, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return "", err
	}
	base := project.Branch
	if base == "" {
		base = "main"
	}

	lock := s.projectGitLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.store.GetTask(projectID, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != models.TaskMergePending {
		return "", fmt.Errorf("cannot merge task in %q status", task.Status)
	}
	if task.Branch == "" {
		return "", fmt.Errorf("task has no branch")
	}

	commit, err := s.git.ManualMerge(ctx, s.data.RepoDir(projectID), task.Branch, base, taskID, task.Title, squash)
	if err != nil {
		return "", err
	}

	s.completeTask(projectID, taskID, commit)
	s.events.Emit("scheduler", "Task merged manually: "+task.Title)
	return commit, nil
}

// SetupProject prepares a new project's repository in the background and
// flips the project to ready or error. Fire and forget from the create
// endpoint; the setup outlives the originating request.
func (s *Scheduler) SetupProject(ctx context.Context, projectID string) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.setupProject(ctx, projectID)
	}()
}

func (s *Scheduler) setupProject(ctx context.Context, projectID string) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		getLog().Error().Err(err).Str("project_id", projectID).Msg("Project vanished before setup")
		return
	}

	branch, err := s.git.SetupProject(ctx, project, s.data.RepoDir(projectID))
	if err != nil {
		getLog().Error().Err(err).Str("project_id", projectID).Msg("Project setup failed")
		if _, uerr := s.store.UpdateProjectStatus(projectID, models.ProjectError, err.Error()); uerr != nil {
			getLog().Warn().Err(uerr).Str("project_id", projectID).Msg("Failed to record setup error")
		}
		s.events.Emit("system", "Project setup failed: "+project.Name)
		return
	}

	if branch != "" && branch != project.Branch {
		if _, err := s.store.UpdateProjectBranch(projectID, branch); err != nil {
			getLog().Warn().Err(err).Str("project_id", projectID).Msg("Failed to record detected branch")
		}
	}
	if _, err := s.store.UpdateProjectStatus(projectID, models.ProjectReady, ""); err != nil {
		getLog().Warn().Err(err).Str("project_id", projectID).Msg("Failed to mark project ready")
		return
	}
	s.events.Emit("system", "Project ready: "+project.Name)
}
