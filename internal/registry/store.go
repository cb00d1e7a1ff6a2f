// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry persists projects and task queues as JSON files with
// sibling advisory locks. Every mutation is read-lock-modify-write under
// the relevant file lock; writes replace the file atomically so readers
// never observe a torn document.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/logger"
	"github.com/taskhive/taskhive/internal/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRegistryLogger().With().Str("component", "store").Logger()
		log = &l
	})
	return log
}

// Store is the durable project/task registry.
type Store struct {
	data        config.DataConfig
	lockTimeout time.Duration
}

// NewStore creates a store rooted at the configured data directory.
func NewStore(data config.DataConfig, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{data: data, lockTimeout: lockTimeout}
}

// Data exposes the path layout for collaborators (scheduler, handlers).
func (s *Store) Data() config.DataConfig {
	return s.data
}

// --- raw file access (callers must hold the relevant lock) ---

func (s *Store) readRegistry() (*models.ProjectRegistry, error) {
	reg := &models.ProjectRegistry{}
	raw, err := os.ReadFile(s.data.ProjectsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read project registry: %w", err)
	}
	if err := json.Unmarshal(raw, reg); err != nil {
		return nil, fmt.Errorf("failed to parse project registry: %w", err)
	}
	return reg, nil
}

func (s *Store) writeRegistry(reg *models.ProjectRegistry) error {
	return writeJSONAtomic(s.data.ProjectsFile(), reg)
}

func (s *Store) readQueue(projectID string) (*models.TaskQueue, error) {
	queue := &models.TaskQueue{}
	raw, err := os.ReadFile(s.data.TasksFile(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return queue, nil
		}
		return nil, fmt.Errorf("failed to read task queue: %w", err)
	}
	if err := json.Unmarshal(raw, queue); err != nil {
		return nil, fmt.Errorf("failed to parse task queue: %w", err)
	}
	return queue, nil
}

func (s *Store) writeQueue(projectID string, queue *models.TaskQueue) error {
	return writeJSONAtomic(s.data.TasksFile(projectID), queue)
}

// writeJSONAtomic serializes v and atomically replaces path. Temp file +
// rename keeps concurrent readers off half-written documents.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// --- project CRUD ---

// AddProject registers a new project in cloning status and prepares its
// directory skeleton (repo/, logs/, worktrees/, empty tasks.json).
func (s *Store) AddProject(name, repoURL, branch string, source models.SourceType, autoMerge, autoPush bool) (*models.Project, error) {
	project := models.NewProject(name, repoURL, branch, source, autoMerge, autoPush)

	err := s.withFileLock(s.data.ProjectsFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		reg.Projects = append(reg.Projects, project)
		return s.writeRegistry(reg)
	})
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{
		s.data.RepoDir(project.ID),
		s.data.LogsDir(project.ID),
		s.data.WorktreesDir(project.ID),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create project directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(s.data.TasksFile(project.ID)); os.IsNotExist(err) {
		if err := s.writeQueue(project.ID, &models.TaskQueue{}); err != nil {
			return nil, err
		}
	}

	getLog().Info().Str("project_id", project.ID).Str("name", name).Msg("Project registered")
	return project, nil
}

// ListProjects returns a snapshot of all projects.
func (s *Store) ListProjects() ([]*models.Project, error) {
	var projects []*models.Project
	err := s.withFileLock(s.data.ProjectsFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		projects = reg.Projects
		return nil
	})
	return projects, err
}

// GetProject returns one project or ErrNotFound.
func (s *Store) GetProject(projectID string) (*models.Project, error) {
	var found *models.Project
	err := s.withFileLock(s.data.ProjectsFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		for _, p := range reg.Projects {
			if p.ID == projectID {
				found = p
				return nil
			}
		}
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	})
	return found, err
}

// DeleteProject removes a project from the registry. Permitted in any
// status; the caller is responsible for tearing down the directory tree.
func (s *Store) DeleteProject(projectID string) error {
	return s.withFileLock(s.data.ProjectsFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		remaining := lo.Filter(reg.Projects, func(p *models.Project, _ int) bool {
			return p.ID != projectID
		})
		if len(remaining) == len(reg.Projects) {
			return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		reg.Projects = remaining
		return s.writeRegistry(reg)
	})
}

// UpdateProjectStatus transitions a project's lifecycle state. The error
// text is bounded to 300 chars so subprocess stderr cannot bloat the
// registry.
func (s *Store) UpdateProjectStatus(projectID string, status models.ProjectStatus, errText string) (*models.Project, error) {
	if len(errText) > 300 {
		errText = errText[:300]
	}
	return s.mutateProject(projectID, func(p *models.Project) {
		p.Status = status
		p.Error = errText
	})
}

// UpdateProjectSettings applies a partial settings update; nil leaves a
// flag unchanged.
func (s *Store) UpdateProjectSettings(projectID string, autoMerge, autoPush *bool) (*models.Project, error) {
	return s.mutateProject(projectID, func(p *models.Project) {
		if autoMerge != nil {
			p.AutoMerge = *autoMerge
		}
		if autoPush != nil {
			p.AutoPush = *autoPush
		}
	})
}

// UpdateProjectBranch records a detected base branch (local-source setup).
func (s *Store) UpdateProjectBranch(projectID, branch string) (*models.Project, error) {
	return s.mutateProject(projectID, func(p *models.Project) {
		p.Branch = branch
	})
}

func (s *Store) mutateProject(projectID string, mutate func(*models.Project)) (*models.Project, error) {
	var updated *models.Project
	err := s.withFileLock(s.data.ProjectsFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		for _, p := range reg.Projects {
			if p.ID == projectID {
				mutate(p)
				updated = p
				return s.writeRegistry(reg)
			}
		}
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	})
	return updated, err
}

// --- task CRUD ---

// AddTask appends a new task to a project's queue. The title is derived
// from the description; plan-mode tasks start in plan_pending.
func (s *Store) AddTask(projectID, description string, priority int, dependsOn string, planMode bool) (*models.Task, error) {
	task := models.NewTask(description, priority, dependsOn, planMode)
	err := s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		queue.Tasks = append(queue.Tasks, task)
		return s.writeQueue(projectID, queue)
	})
	if err != nil {
		return nil, err
	}
	getLog().Info().Str("project_id", projectID).Str("task_id", task.ID).Str("title", task.Title).Msg("Task created")
	return task, nil
}

// ListTasks returns a snapshot of a project's queue.
func (s *Store) ListTasks(projectID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		tasks = queue.Tasks
		return nil
	})
	return tasks, err
}

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(projectID, taskID string) (*models.Task, error) {
	var found *models.Task
	err := s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		for _, t := range queue.Tasks {
			if t.ID == taskID {
				found = t
				return nil
			}
		}
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	})
	return found, err
}

// DeleteTask removes a task from a project's queue.
func (s *Store) DeleteTask(projectID, taskID string) error {
	return s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		remaining := lo.Filter(queue.Tasks, func(t *models.Task, _ int) bool {
			return t.ID != taskID
		})
		if len(remaining) == len(queue.Tasks) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		queue.Tasks = remaining
		return s.writeQueue(projectID, queue)
	})
}

// TaskUpdate is a partial task mutation; nil fields are left unchanged.
type TaskUpdate struct {
	Status        *models.TaskStatus
	Error         *string
	CommitID      *string
	Plan          *string
	Branch        *string
	WorkerID      *string
	PlanMessages  []models.PlanMessage
	PlanSessionID *string
	PlanAnswers   map[string]string
	DependsOn     *string
}

// UpdateTask applies a partial update under the queue lock. Setting status
// to completed stamps completed_at. Transitions out of a terminal status
// are rejected with ErrTerminal; retries go through RetryTask.
func (s *Store) UpdateTask(projectID, taskID string, upd TaskUpdate) (*models.Task, error) {
	var updated *models.Task
	err := s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		for _, t := range queue.Tasks {
			if t.ID != taskID {
				continue
			}
			if upd.Status != nil && t.Status.IsTerminal() && *upd.Status != t.Status {
				return fmt.Errorf("task %s (%s): %w", taskID, t.Status, ErrTerminal)
			}
			applyTaskUpdate(t, upd)
			updated = t
			return s.writeQueue(projectID, queue)
		}
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	})
	return updated, err
}

func applyTaskUpdate(t *models.Task, upd TaskUpdate) {
	if upd.Status != nil {
		t.Status = *upd.Status
		if *upd.Status == models.TaskCompleted {
			t.CompletedAt = models.Now()
		}
		// Terminal tasks hold no worker; the slot is free to move on.
		if upd.Status.IsTerminal() {
			t.WorkerID = ""
		}
	}
	if upd.Error != nil {
		t.Error = *upd.Error
	}
	if upd.CommitID != nil {
		t.CommitID = *upd.CommitID
	}
	if upd.Plan != nil {
		t.Plan = *upd.Plan
	}
	if upd.Branch != nil {
		t.Branch = *upd.Branch
	}
	if upd.WorkerID != nil {
		t.WorkerID = *upd.WorkerID
	}
	if upd.PlanMessages != nil {
		t.PlanMessages = upd.PlanMessages
	}
	if upd.PlanSessionID != nil {
		t.PlanSessionID = *upd.PlanSessionID
	}
	if upd.PlanAnswers != nil {
		t.PlanAnswers = upd.PlanAnswers
	}
	if upd.DependsOn != nil {
		t.DependsOn = *upd.DependsOn
	}
}

// CancelTask is the explicit cancellation transition. Directly
// cancellable: pending, plan_pending, plan_approved, failed. Active tasks
// (claimed, running, merging, testing) are also cancellable; wasActive
// tells the caller to stop the worker container. Other statuses reject.
func (s *Store) CancelTask(projectID, taskID string) (*models.Task, bool, error) {
	var (
		updated   *models.Task
		wasActive bool
	)
	err := s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		for _, t := range queue.Tasks {
			if t.ID != taskID {
				continue
			}
			switch t.Status {
			case models.TaskPending, models.TaskPlanPending, models.TaskPlanApproved, models.TaskFailed:
			case models.TaskClaimed, models.TaskRunning, models.TaskMerging, models.TaskTesting:
				wasActive = true
			default:
				return fmt.Errorf("cannot cancel task in %q status", t.Status)
			}
			t.Status = models.TaskCancelled
			t.WorkerID = ""
			updated = t
			return s.writeQueue(projectID, queue)
		}
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	})
	return updated, wasActive, err
}

// RetryTask is the explicit terminal-escape transition. Terminal tasks and
// plan_pending tasks are retryable; plan-mode tasks re-enter plan_pending,
// others re-enter pending. Error, worker, commit, and completion stamp are
// cleared.
func (s *Store) RetryTask(projectID, taskID string) (*models.Task, error) {
	var updated *models.Task
	err := s.withFileLock(s.data.TasksFile(projectID), func() error {
		queue, err := s.readQueue(projectID)
		if err != nil {
			return err
		}
		for _, t := range queue.Tasks {
			if t.ID != taskID {
				continue
			}
			if !t.Status.IsTerminal() && t.Status != models.TaskPlanPending {
				return fmt.Errorf("cannot retry task in %q status", t.Status)
			}
			if t.PlanMode {
				t.Status = models.TaskPlanPending
			} else {
				t.Status = models.TaskPending
			}
			t.Error = ""
			t.WorkerID = ""
			t.CommitID = ""
			t.CompletedAt = ""
			updated = t
			return s.writeQueue(projectID, queue)
		}
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	})
	return updated, err
}
