// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/models"
)

func TestResetStaleTasks(t *testing.T) {
	s := newTestStore(t)
	project := readyProject(t, s, "demo")

	setStatus := func(id string, status models.TaskStatus) {
		t.Helper()
		_, err := s.UpdateTask(project.ID, id, TaskUpdate{Status: &status})
		require.NoError(t, err)
	}

	running, err := s.AddTask(project.ID, "was running", 0, "", false)
	require.NoError(t, err)
	setStatus(running.ID, models.TaskRunning)

	merging, err := s.AddTask(project.ID, "was merging", 0, "", false)
	require.NoError(t, err)
	setStatus(merging.ID, models.TaskMerging)

	pending, err := s.AddTask(project.ID, "untouched pending", 0, "", false)
	require.NoError(t, err)

	mergePending, err := s.AddTask(project.ID, "awaiting manual merge", 0, "", false)
	require.NoError(t, err)
	setStatus(mergePending.ID, models.TaskMergePending)

	done, err := s.AddTask(project.ID, "already done", 0, "", false)
	require.NoError(t, err)
	setStatus(done.ID, models.TaskCompleted)

	count, err := s.ResetStaleTasks()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{running.ID, merging.ID, pending.ID} {
		got, err := s.GetTask(project.ID, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskPending, got.Status)
		assert.Empty(t, got.WorkerID)
	}

	got, err := s.GetTask(project.ID, mergePending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskMergePending, got.Status)

	got, err = s.GetTask(project.ID, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	// Idempotent: a second pass finds nothing stale.
	count, err = s.ResetStaleTasks()
	require.NoError(t, err)
	assert.Zero(t, count)
}
