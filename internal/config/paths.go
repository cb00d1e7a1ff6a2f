// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"path/filepath"
	"strings"
)

// The durable on-disk layout, all rooted at Data.Dir:
//
//	projects.json                      project registry
//	projects/<pid>/tasks.json          task queue
//	projects/<pid>/repo/               main working directory
//	projects/<pid>/worktrees/<slot>/   per-slot ephemeral worktree
//	projects/<pid>/logs/<slot>.jsonl   agent event log

// ProjectsFile returns the path of the project registry file.
func (d DataConfig) ProjectsFile() string {
	return filepath.Join(d.Dir, "projects.json")
}

// ProjectDir returns the root directory of one project.
func (d DataConfig) ProjectDir(projectID string) string {
	return filepath.Join(d.Dir, "projects", projectID)
}

// TasksFile returns the path of a project's task queue file.
func (d DataConfig) TasksFile(projectID string) string {
	return filepath.Join(d.ProjectDir(projectID), "tasks.json")
}

// RepoDir returns a project's main repository directory.
func (d DataConfig) RepoDir(projectID string) string {
	return filepath.Join(d.ProjectDir(projectID), "repo")
}

// WorktreesDir returns the directory holding a project's per-slot worktrees.
func (d DataConfig) WorktreesDir(projectID string) string {
	return filepath.Join(d.ProjectDir(projectID), "worktrees")
}

// WorktreeDir returns the worktree directory for one slot in one project.
func (d DataConfig) WorktreeDir(projectID, workerID string) string {
	return filepath.Join(d.WorktreesDir(projectID), workerID)
}

// LogsDir returns a project's agent log directory.
func (d DataConfig) LogsDir(projectID string) string {
	return filepath.Join(d.ProjectDir(projectID), "logs")
}

// LogFile returns the agent event log path for one slot in one project.
func (d DataConfig) LogFile(projectID, workerID string) string {
	return filepath.Join(d.LogsDir(projectID), workerID+".jsonl")
}

// HostPath translates a manager-side path under Dir into the equivalent
// path on the Docker host. Bind mounts need host paths when the manager
// itself runs containerized.
func (d DataConfig) HostPath(p string) string {
	if d.HostDir == "" || d.HostDir == d.Dir {
		return p
	}
	if strings.HasPrefix(p, d.Dir) {
		return d.HostDir + strings.TrimPrefix(p, d.Dir)
	}
	return p
}
