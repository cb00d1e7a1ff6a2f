// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/taskhive/taskhive/internal/models"
)

// queryExperience asks the configured hook for cross-project experience
// snippets relevant to a task. Best effort: any failure or timeout yields
// an empty string and the task proceeds without context.
func (s *Scheduler) queryExperience(ctx context.Context, projectID, title, desc string) string {
	if len(s.hooks.ExperienceQueryCommand) == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.hooks.QueryTimeout)
	defer cancel()

	args := append(append([]string{}, s.hooks.ExperienceQueryCommand[1:]...),
		"--project-id", projectID,
		"--task-title", title,
		"--task-desc", desc,
		"--max-entries", "3",
		"--max-chars", "2500",
	)
	cmd := exec.CommandContext(ctx, s.hooks.ExperienceQueryCommand[0], args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		getLog().Debug().Err(err).Msg("Experience query failed")
		return ""
	}
	return strings.TrimSpace(stdout.String())
}

// logExperience records a task outcome through the configured hook, which
// appends to the project's PROGRESS.md and the global experience store.
// Best effort.
func (s *Scheduler) logExperience(ctx context.Context, repoDir, projectID, projectName string, task *models.Task, workerID, commitID, logFile string) {
	if len(s.hooks.ExperienceLogCommand) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.hooks.LogTimeout)
	defer cancel()

	args := append(append([]string{}, s.hooks.ExperienceLogCommand[1:]...),
		"--repo-dir", repoDir,
		"--project-id", projectID,
		"--project-name", projectName,
		"--task-id", task.ID,
		"--task-title", task.Title,
		"--worker-id", workerID,
		"--commit-id", commitID,
		"--log-file", logFile,
	)
	cmd := exec.CommandContext(ctx, s.hooks.ExperienceLogCommand[0], args...)
	if err := cmd.Run(); err != nil {
		getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Experience logging failed")
	}
}
