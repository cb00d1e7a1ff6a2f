// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskhive/taskhive/internal/models"
)

const progressTemplate = "# Development Progress\n\nAutomatically maintained by workers.\n\n---\n"

// SetupProject prepares a project's repo directory according to its
// source type: clone a remote, symlink a local checkout, or init a fresh
// repository. Returns the base branch to record (possibly detected from a
// local checkout) or an error whose text is suitable for the project's
// error field.
func (c *Controller) SetupProject(ctx context.Context, project *models.Project, repoDir string) (string, error) {
	switch project.SourceType {
	case models.SourceNew:
		return project.Branch, c.setupNewRepo(ctx, repoDir)
	case models.SourceLocal:
		return c.setupLocalRepo(ctx, project, repoDir)
	default:
		return project.Branch, c.cloneRepo(ctx, project, repoDir)
	}
}

// setupNewRepo creates a fresh repository with an initial commit so
// worktrees have a base to branch from.
func (c *Controller) setupNewRepo(ctx context.Context, repoDir string) error {
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}

	r, err := c.git(ctx, repoDir, "init", "-b", "main")
	if err != nil {
		return err
	}
	if !r.ok() {
		return fmt.Errorf("git init failed: %s", r.errText())
	}
	c.git(ctx, repoDir, "config", "user.name", "Taskhive Worker")
	c.git(ctx, repoDir, "config", "user.email", "worker@taskhive.dev")

	c.seedRepoFiles(repoDir, true)

	c.git(ctx, repoDir, "add", ".")
	r, err = c.git(ctx, repoDir, "commit", "-m", "Initial commit")
	if err != nil {
		return err
	}
	if !r.ok() {
		return fmt.Errorf("initial commit failed: %s", r.errText())
	}
	return nil
}

// setupLocalRepo replaces the empty repo directory with a symlink to an
// existing local checkout and detects its current branch when the project
// did not name one explicitly.
func (c *Controller) setupLocalRepo(ctx context.Context, project *models.Project, repoDir string) (string, error) {
	localPath := project.RepoURL // repo_url carries the local path in local mode
	info, err := os.Stat(localPath)
	if err != nil || !info.IsDir() {
		return project.Branch, fmt.Errorf("local path does not exist: %s", localPath)
	}
	if gitInfo, err := os.Stat(filepath.Join(localPath, ".git")); err != nil || !gitInfo.IsDir() {
		return project.Branch, fmt.Errorf("not a git repository: %s", localPath)
	}

	if fi, err := os.Lstat(repoDir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			os.Remove(repoDir)
		} else {
			os.RemoveAll(repoDir)
		}
	}
	if err := os.Symlink(localPath, repoDir); err != nil {
		return project.Branch, fmt.Errorf("failed to link local repository: %w", err)
	}

	c.seedRepoFiles(repoDir, false)

	branch := project.Branch
	if branch == "" || branch == "main" {
		if r, err := c.git(ctx, repoDir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && r.ok() {
			if detected := strings.TrimSpace(r.Stdout); detected != "" {
				branch = detected
			}
		}
	}
	return branch, nil
}

// cloneRepo clones the project's remote at its base branch.
func (c *Controller) cloneRepo(ctx context.Context, project *models.Project, repoDir string) error {
	r, err := c.runGit(ctx, filepath.Dir(repoDir), c.cfg.CloneTimeout,
		"clone", "--branch", project.Branch, project.RepoURL, repoDir)
	if err != nil {
		if strings.Contains(err.Error(), "timed out") {
			return fmt.Errorf("clone timed out (%ds)", int(c.cfg.CloneTimeout.Seconds()))
		}
		return err
	}
	if !r.ok() {
		return fmt.Errorf("clone failed: %s", r.errText())
	}

	c.seedRepoFiles(repoDir, false)
	return nil
}

// seedRepoFiles drops the agent instructions template and the progress
// journal into a repo. With overwrite false, existing files are kept.
func (c *Controller) seedRepoFiles(repoDir string, overwrite bool) {
	if c.cfg.TemplatePath != "" {
		claudeMD := filepath.Join(repoDir, "CLAUDE.md")
		if _, err := os.Stat(claudeMD); overwrite || os.IsNotExist(err) {
			if data, err := os.ReadFile(c.cfg.TemplatePath); err == nil {
				os.WriteFile(claudeMD, data, 0644)
			}
		}
	}

	progressMD := filepath.Join(repoDir, "PROGRESS.md")
	if _, err := os.Stat(progressMD); overwrite || os.IsNotExist(err) {
		os.WriteFile(progressMD, []byte(progressTemplate), 0644)
	}
}
