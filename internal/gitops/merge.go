// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/taskhive/taskhive/internal/models"
)

// mergeTestErrorMarker is scanned for in merge-and-test output; the text
// after it becomes the task failure reason.
const mergeTestErrorMarker = "MERGE_TEST_ERROR:"

// MergeAndTest runs the configured merge-and-test script with an
// environment describing the branches and paths. Returns whether the
// script passed, a failure reason extracted from its output, and the
// combined output for log tails. A missing script configuration passes
// trivially.
func (c *Controller) MergeAndTest(ctx context.Context, repoDir, worktreeDir, branch, base, workerID, taskID string) (bool, string, string) {
	script := c.cfg.MergeTestScript
	if script == "" {
		return true, "", ""
	}
	if _, err := os.Stat(script); err != nil {
		getLog().Warn().Str("script", script).Msg("Merge-and-test script not found, skipping")
		return true, "", ""
	}

	timeout := c.cfg.MergeTestTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script)
	cmd.Env = append(os.Environ(),
		"WORKTREE_DIR="+worktreeDir,
		"REPO_DIR="+repoDir,
		"BRANCH_NAME="+branch,
		"BRANCH_BASE="+base,
		"WORKER_ID="+workerID,
		"TASK_ID="+taskID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := result{Stdout: stdout.String(), Stderr: stderr.String()}.combined()

	if ctx.Err() == context.DeadlineExceeded {
		reason := fmt.Sprintf("merge_and_test timeout after %ds", int(timeout.Seconds()))
		getLog().Error().Str("task_id", taskID).Msg(reason)
		return false, reason, output
	}

	reason := extractFailureReason(output)
	if err != nil {
		if reason == "" {
			if lines := nonEmptyLines(output); len(lines) > 0 {
				reason = lines[len(lines)-1]
			} else {
				reason = fmt.Sprintf("merge_and_test failed: %v", err)
			}
		}
		return false, reason, output
	}
	return true, reason, output
}

// extractFailureReason scans output bottom-up for the error marker.
func extractFailureReason(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if idx := strings.Index(lines[i], mergeTestErrorMarker); idx >= 0 {
			return strings.TrimSpace(lines[i][idx+len(mergeTestErrorMarker):])
		}
	}
	return ""
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// stashDirtyRepo stashes local changes (including untracked files) so the
// main repo is clean before a merge. Returns false when the repo state
// cannot be made clean.
func (c *Controller) stashDirtyRepo(ctx context.Context, repoDir, workerID string) bool {
	status, err := c.git(ctx, repoDir, "status", "--porcelain")
	if err != nil || !status.ok() {
		getLog().Warn().Str("worker_id", workerID).Str("detail", status.errText()).Msg("Cannot inspect repo status before merge")
		return false
	}
	if strings.TrimSpace(status.Stdout) == "" {
		return true
	}

	getLog().Warn().Str("worker_id", workerID).Msg("Repo dirty before auto-merge, stashing local changes")
	msg := fmt.Sprintf("auto-merge preflight (%s) %s", workerID, models.Now())
	stash, err := c.runGit(ctx, repoDir, c.cfg.FetchTimeout, "stash", "push", "--include-untracked", "-m", msg)
	if err != nil || !stash.ok() {
		getLog().Warn().Str("worker_id", workerID).Str("detail", stash.errText()).Msg("Failed to stash local changes")
		return false
	}
	return true
}

// AutoMerge merges the task branch into the base branch and optionally
// pushes. Returns the new HEAD commit, or "" when the merge could not be
// completed (the caller falls back to merge_pending).
func (c *Controller) AutoMerge(ctx context.Context, repoDir, branch, base string, push bool, workerID string) string {
	if !c.stashDirtyRepo(ctx, repoDir, workerID) {
		getLog().Warn().Str("worker_id", workerID).Msg("Cannot prepare clean repo for auto-merge")
		return ""
	}

	// The injected template conflicts with a committed CLAUDE.md.
	c.removeUntrackedFile(ctx, repoDir, "CLAUDE.md")

	co, err := c.git(ctx, repoDir, "checkout", base)
	if err != nil || !co.ok() {
		getLog().Warn().Str("worker_id", workerID).Str("base", base).Str("detail", co.errText()).Msg("Cannot checkout base")
		co, err = c.git(ctx, repoDir, "checkout", "-B", base, "origin/"+base)
		if err != nil || !co.ok() {
			getLog().Warn().Str("worker_id", workerID).Str("base", base).Msg("Cannot checkout base from origin either")
			return ""
		}
	}

	if verify, err := c.git(ctx, repoDir, "rev-parse", "--verify", branch); err != nil || !verify.ok() {
		getLog().Warn().Str("worker_id", workerID).Str("branch", branch).Msg("Branch not found in repo")
		return ""
	}

	merge, err := c.runGit(ctx, repoDir, c.cfg.MergeTimeout, "merge", branch, "--no-edit")
	if err != nil || !merge.ok() {
		getLog().Warn().
			Str("worker_id", workerID).
			Int("exit", merge.ExitCode).
			Str("detail", merge.errText()).
			Msg("Merge to base failed")
		c.git(ctx, repoDir, "merge", "--abort")
		return ""
	}

	if push && c.HasRemote(ctx, repoDir) {
		if _, err := c.runGit(ctx, repoDir, c.cfg.PushTimeout, "push", "origin", base); err != nil {
			getLog().Warn().Err(err).Str("worker_id", workerID).Msg("Push after auto-merge failed")
		}
	}

	head, err := c.git(ctx, repoDir, "rev-parse", "HEAD")
	if err != nil || !head.ok() {
		return ""
	}
	return strings.TrimSpace(head.Stdout)
}

// ManualMerge merges a merge_pending task's branch into the base branch on
// operator request, optionally squashing into a single commit. Returns the
// final commit. The caller holds the project git lock and has verified the
// task is in merge_pending.
func (c *Controller) ManualMerge(ctx context.Context, repoDir, branch, base, taskID, taskTitle string, squash bool) (string, error) {
	// Best-effort fetch improves the origin/<base> checkout fallback.
	c.runGit(ctx, repoDir, c.cfg.CommandTimeout, "fetch", "origin")

	co, err := c.git(ctx, repoDir, "checkout", base)
	if err != nil || !co.ok() {
		co, err = c.git(ctx, repoDir, "checkout", "-B", base, "origin/"+base)
		if err != nil {
			return "", err
		}
		if !co.ok() {
			return "", fmt.Errorf("checkout %s failed: %s", base, co.errText())
		}
	}

	c.removeUntrackedFile(ctx, repoDir, "CLAUDE.md")

	if squash {
		r, err := c.runGit(ctx, repoDir, c.cfg.MergeTimeout, "merge", "--squash", branch)
		if err != nil {
			return "", err
		}
		if !r.ok() {
			return "", fmt.Errorf("squash merge failed: %s", r.errText())
		}
		msg := fmt.Sprintf("feat: %s (task %s)", taskTitle, taskID)
		r, err = c.git(ctx, repoDir, "commit", "-m", msg)
		if err != nil {
			return "", err
		}
		if !r.ok() {
			return "", fmt.Errorf("commit failed: %s", r.errText())
		}
	} else {
		r, err := c.runGit(ctx, repoDir, c.cfg.MergeTimeout, "merge", branch, "--no-edit")
		if err != nil {
			return "", err
		}
		if !r.ok() {
			c.git(ctx, repoDir, "merge", "--abort")
			return "", fmt.Errorf("merge failed: %s", r.errText())
		}
	}

	head, err := c.git(ctx, repoDir, "rev-parse", "HEAD")
	final := "unknown"
	if err == nil && head.ok() {
		final = strings.TrimSpace(head.Stdout)
	}

	c.git(ctx, repoDir, "branch", "-D", branch)
	return final, nil
}

// DeleteRemoteBranch removes the task branch from origin. Best effort.
func (c *Controller) DeleteRemoteBranch(ctx context.Context, repoDir, branch string) {
	r, err := c.runGit(ctx, repoDir, c.cfg.PushTimeout, "push", "origin", "--delete", branch)
	if err != nil || !r.ok() {
		getLog().Warn().Str("branch", branch).Str("detail", r.errText()).Msg("Failed to delete remote branch")
	}
}
