// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNewIDShape(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 8)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, NewID())
}

func TestTitleFromDescription(t *testing.T) {
	assert.Equal(t, "Fix login", TitleFromDescription("Fix login\nmore detail here"))
	assert.Equal(t, "Trimmed", TitleFromDescription("  Trimmed  \n"))

	long := strings.Repeat("a", 80)
	assert.Len(t, TitleFromDescription(long), 50)

	// Truncation counts runes, not bytes.
	title := TitleFromDescription(strings.Repeat("ü", 60))
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, 50, utf8.RuneCountInString(title))
	assert.Equal(t, strings.Repeat("ü", 50), title)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.True(t, TaskCancelled.IsTerminal())
	assert.False(t, TaskMergePending.IsTerminal())
	assert.False(t, TaskPending.IsTerminal())

	assert.True(t, TaskClaimed.IsActive())
	assert.True(t, TaskRunning.IsActive())
	assert.True(t, TaskMerging.IsActive())
	assert.True(t, TaskTesting.IsActive())
	assert.False(t, TaskMergePending.IsActive())
	assert.False(t, TaskPlanApproved.IsActive())
}

func TestValidTaskStatus(t *testing.T) {
	assert.True(t, ValidTaskStatus(TaskRunning))
	assert.True(t, ValidTaskStatus(TaskMergePending))
	assert.False(t, ValidTaskStatus("exploded"))
	assert.False(t, ValidTaskStatus(""))
}

func TestNewTask(t *testing.T) {
	task := NewTask("Do the thing\nstep by step", 3, "dep12345", false)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, "Do the thing", task.Title)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, "dep12345", task.DependsOn)
	assert.NotEmpty(t, task.CreatedAt)

	planned := NewTask("Plan me", 0, "", true)
	assert.Equal(t, TaskPlanPending, planned.Status)
	assert.True(t, planned.PlanMode)
}

func TestNewProjectDefaults(t *testing.T) {
	p := NewProject("demo", "", "", "", true, false)
	assert.Equal(t, ProjectCloning, p.Status)
	assert.Equal(t, "main", p.Branch)
	assert.Equal(t, SourceGit, p.SourceType)
	assert.Len(t, p.ID, 8)
}

func TestBranchForTask(t *testing.T) {
	assert.Equal(t, "claude/abc12345", BranchForTask("abc12345"))
}
