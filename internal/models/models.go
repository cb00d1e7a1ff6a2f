// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the durable records shared by the registry,
// scheduler, and API: projects, tasks, and worker slots.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskBranchPrefix is the namespace for ephemeral task branches.
// Recovery deletes every local branch under this prefix.
const TaskBranchPrefix = "claude/"

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectCloning ProjectStatus = "cloning"
	ProjectReady   ProjectStatus = "ready"
	ProjectError   ProjectStatus = "error"
)

// SourceType describes where a project's repository comes from.
type SourceType string

const (
	SourceGit   SourceType = "git"   // cloned from a remote URL
	SourceLocal SourceType = "local" // symlink to an existing local checkout
	SourceNew   SourceType = "new"   // fresh init with an empty commit
)

// Project is one entry in the project registry.
type Project struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	RepoURL    string        `json:"repo_url,omitempty"`
	Branch     string        `json:"branch"`
	SourceType SourceType    `json:"source_type"`
	AutoMerge  bool          `json:"auto_merge"`
	AutoPush   bool          `json:"auto_push"`
	Status     ProjectStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  string        `json:"created_at"`
}

// ProjectRegistry is the on-disk shape of projects.json.
type ProjectRegistry struct {
	Projects []*Project `json:"projects"`
}

// TaskStatus is the state machine position of a task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskClaimed      TaskStatus = "claimed"
	TaskRunning      TaskStatus = "running"
	TaskPlanPending  TaskStatus = "plan_pending"
	TaskPlanApproved TaskStatus = "plan_approved"
	TaskMerging      TaskStatus = "merging"
	TaskTesting      TaskStatus = "testing"
	TaskMergePending TaskStatus = "merge_pending"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// ValidTaskStatus reports whether s is a known task status. The internal
// callback endpoint uses this to reject unknown values from containers.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskClaimed, TaskRunning, TaskPlanPending, TaskPlanApproved,
		TaskMerging, TaskTesting, TaskMergePending, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state. Terminal tasks never
// transition again except through an explicit retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// IsActive reports whether a task in this status occupies a worker slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskClaimed || s == TaskRunning || s == TaskMerging || s == TaskTesting
}

// PlanMessage is one turn of a plan-mode conversation.
type PlanMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is one entry in a project's task queue.
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Status        TaskStatus        `json:"status"`
	Priority      int               `json:"priority"`
	WorkerID      string            `json:"worker_id,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	PlanMode      bool              `json:"plan_mode,omitempty"`
	Plan          string            `json:"plan,omitempty"`
	PlanSessionID string            `json:"plan_session_id,omitempty"`
	PlanAnswers   map[string]string `json:"plan_answers,omitempty"`
	PlanMessages  []PlanMessage     `json:"plan_messages,omitempty"`
	DependsOn     string            `json:"depends_on,omitempty"`
	CommitID      string            `json:"commit_id,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     string            `json:"created_at"`
	StartedAt     string            `json:"started_at,omitempty"`
	CompletedAt   string            `json:"completed_at,omitempty"`
}

// TaskQueue is the on-disk shape of a project's tasks.json.
type TaskQueue struct {
	Tasks []*Task `json:"tasks"`
}

// WorkerStatus is the state of a worker slot.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
	WorkerError   WorkerStatus = "error"
)

// WorkerSlot is a fixed worker identity. Slots are created at startup and
// never destroyed; only their fields change.
type WorkerSlot struct {
	ID               string       `json:"id"`
	Status           WorkerStatus `json:"status"`
	ContainerID      string       `json:"container_id,omitempty"`
	CurrentTaskID    string       `json:"current_task_id,omitempty"`
	CurrentTaskTitle string       `json:"current_task_title,omitempty"`
	TasksCompleted   int          `json:"tasks_completed"`
	LastActivity     string       `json:"last_activity,omitempty"`
	StartedAt        string       `json:"started_at,omitempty"`
}

// NewID returns an opaque 8-character identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Now returns the canonical timestamp format used in all persisted records.
// RFC 3339 in UTC; fractional seconds are variable width, so ordering code
// parses these rather than comparing strings.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// TitleFromDescription derives a task title: first line, trimmed, at most
// 50 runes. Truncating by rune keeps multi-byte titles valid UTF-8.
func TitleFromDescription(desc string) string {
	line, _, _ := strings.Cut(desc, "\n")
	line = strings.TrimSpace(line)
	if runes := []rune(line); len(runes) > 50 {
		line = string(runes[:50])
	}
	return line
}

// BranchForTask returns the dedicated branch name for a task.
func BranchForTask(taskID string) string {
	return TaskBranchPrefix + taskID
}

// NewProject builds a project in its initial (cloning) state.
func NewProject(name, repoURL, branch string, source SourceType, autoMerge, autoPush bool) *Project {
	if branch == "" {
		branch = "main"
	}
	if source == "" {
		source = SourceGit
	}
	return &Project{
		ID:         NewID(),
		Name:       name,
		RepoURL:    repoURL,
		Branch:     branch,
		SourceType: source,
		AutoMerge:  autoMerge,
		AutoPush:   autoPush,
		Status:     ProjectCloning,
		CreatedAt:  Now(),
	}
}

// NewTask builds a pending task from a description. Plan-mode tasks start
// in plan_pending and only become claimable once their plan is approved.
func NewTask(description string, priority int, dependsOn string, planMode bool) *Task {
	status := TaskPending
	if planMode {
		status = TaskPlanPending
	}
	return &Task{
		ID:          NewID(),
		Title:       TitleFromDescription(description),
		Description: description,
		Status:      status,
		Priority:    priority,
		DependsOn:   dependsOn,
		PlanMode:    planMode,
		CreatedAt:   Now(),
	}
}
