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

// CreateWorktree builds a fresh worktree for a task branch. Any stale
// worktree at the path or holding the branch is force-removed first, the
// branch is recreated from the best base ref, and the agent instructions
// template is injected without being tracked.
func (c *Controller) CreateWorktree(ctx context.Context, repoDir, worktreeDir, branch, base string) error {
	// Clean stale worktree at the target path.
	if _, err := os.Stat(worktreeDir); err == nil {
		c.git(ctx, repoDir, "worktree", "remove", "--force", worktreeDir)
		if _, err := os.Stat(worktreeDir); err == nil {
			os.RemoveAll(worktreeDir)
		}
	}

	// Best-effort fetch so the base ref is current.
	if _, err := c.runGit(ctx, repoDir, c.cfg.FetchTimeout, "fetch", "origin"); err != nil {
		getLog().Warn().Err(err).Str("repo", repoDir).Msg("Fetch before worktree creation failed")
	}

	baseRef := c.resolveBaseRef(ctx, repoDir, base)

	// A previous run's worktree may still hold the target branch.
	c.removeWorktreeHoldingBranch(ctx, repoDir, branch)
	c.git(ctx, repoDir, "worktree", "prune")
	c.git(ctx, repoDir, "branch", "-D", branch)

	r, err := c.git(ctx, repoDir, "worktree", "add", "-b", branch, worktreeDir, baseRef)
	if err != nil {
		return err
	}
	if !r.ok() {
		return fmt.Errorf("failed to create worktree: %s", r.errText())
	}

	c.injectTemplate(ctx, worktreeDir)
	return nil
}

// resolveBaseRef picks the first ref that resolves: origin/<base>, then
// <base>, then HEAD.
func (c *Controller) resolveBaseRef(ctx context.Context, repoDir, base string) string {
	for _, candidate := range []string{"origin/" + base, base, "HEAD"} {
		if r, err := c.git(ctx, repoDir, "rev-parse", "--verify", candidate); err == nil && r.ok() {
			return candidate
		}
	}
	return "HEAD"
}

// removeWorktreeHoldingBranch force-removes any worktree (other than the
// main repo) that has the branch checked out.
func (c *Controller) removeWorktreeHoldingBranch(ctx context.Context, repoDir, branch string) {
	r, err := c.git(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil || !r.ok() {
		return
	}
	var current string
	for _, line := range strings.Split(r.Stdout, "\n") {
		if path, found := strings.CutPrefix(line, "worktree "); found {
			current = path
			continue
		}
		if held, found := strings.CutPrefix(line, "branch refs/heads/"); found && current != "" {
			if held == branch && current != repoDir {
				c.git(ctx, repoDir, "worktree", "remove", "--force", current)
			}
			current = ""
		}
	}
}

// injectTemplate copies the configured CLAUDE.md template into a worktree
// and lists it in the worktree's info/exclude so the agent cannot
// accidentally commit it.
func (c *Controller) injectTemplate(ctx context.Context, worktreeDir string) {
	if c.cfg.TemplatePath == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.TemplatePath)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(worktreeDir, "CLAUDE.md"), data, 0644); err != nil {
		getLog().Warn().Err(err).Msg("Failed to inject CLAUDE.md template")
		return
	}

	r, err := c.git(ctx, worktreeDir, "rev-parse", "--git-dir")
	if err != nil || !r.ok() {
		return
	}
	gitDir := strings.TrimSpace(r.Stdout)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(worktreeDir, gitDir)
	}
	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0755); err != nil {
		return
	}
	excludeFile := filepath.Join(infoDir, "exclude")
	existing, _ := os.ReadFile(excludeFile)
	if strings.Contains(string(existing), "CLAUDE.md") {
		return
	}
	f, err := os.OpenFile(excludeFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString("CLAUDE.md\n")
}

// VerifyCommit fails unless the worktree has at least one commit and the
// branch carries at least one commit beyond the base. Guards against an
// agent reporting success without producing anything.
func (c *Controller) VerifyCommit(ctx context.Context, worktreeDir, base string) error {
	r, err := c.git(ctx, worktreeDir, "log", "--oneline", "-1")
	if err != nil {
		return err
	}
	if !r.ok() || strings.TrimSpace(r.Stdout) == "" {
		return fmt.Errorf("no valid commit found in worktree after worker completed")
	}

	r, err = c.git(ctx, worktreeDir, "log", base+"..HEAD", "--oneline")
	if err != nil {
		return err
	}
	if strings.TrimSpace(r.Stdout) == "" {
		return fmt.Errorf("worker produced no new commits on branch")
	}
	return nil
}

// WorktreeHead returns the worktree's HEAD commit, or "unknown".
func (c *Controller) WorktreeHead(ctx context.Context, worktreeDir string) string {
	r, err := c.git(ctx, worktreeDir, "rev-parse", "HEAD")
	if err != nil || !r.ok() {
		return "unknown"
	}
	return strings.TrimSpace(r.Stdout)
}

// CleanupWorktree removes a task worktree and, unless the branch must
// survive for a manual merge, deletes the task branch.
func (c *Controller) CleanupWorktree(ctx context.Context, repoDir, worktreeDir, branch string, deleteBranch bool) {
	c.git(ctx, repoDir, "worktree", "remove", "--force", worktreeDir)
	if _, err := os.Stat(worktreeDir); err == nil {
		os.RemoveAll(worktreeDir)
	}
	if deleteBranch {
		c.git(ctx, repoDir, "branch", "-D", branch)
	}
}

// CleanupProjectWorktrees removes every worktree under the project's
// worktrees directory, prunes metadata, and force-deletes all task
// branches. Used by startup recovery.
func (c *Controller) CleanupProjectWorktrees(ctx context.Context, repoDir, worktreesDir string) {
	entries, err := os.ReadDir(worktreesDir)
	if err == nil {
		for _, entry := range entries {
			path := filepath.Join(worktreesDir, entry.Name())
			c.git(ctx, repoDir, "worktree", "remove", "--force", path)
			os.RemoveAll(path)
		}
	}
	c.git(ctx, repoDir, "worktree", "prune")

	r, err := c.git(ctx, repoDir, "branch", "--list", models.TaskBranchPrefix+"*", "--format=%(refname:short)")
	if err != nil || !r.ok() {
		return
	}
	for _, branch := range strings.Split(strings.TrimSpace(r.Stdout), "\n") {
		branch = strings.TrimSpace(branch)
		if branch != "" {
			c.git(ctx, repoDir, "branch", "-D", branch)
		}
	}
}
