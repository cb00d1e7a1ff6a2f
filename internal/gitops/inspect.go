// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Commit is one entry of the project history view.
type Commit struct {
	SHA     string   `json:"sha"`
	Short   string   `json:"short"`
	Parents []string `json:"parents"`
	Message string   `json:"message"`
	Author  string   `json:"author"`
	TimeAgo string   `json:"time_ago"`
	Refs    []string `json:"refs"`
}

// logSeparator keeps field splitting safe against commit message content.
const logSeparator = "---GIT-SEP---"

// Log returns up to limit commits across all refs in topological order.
func (c *Controller) Log(ctx context.Context, repoDir string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	format := strings.Join([]string{"%H", "%h", "%P", "%s", "%an", "%ar", "%D"}, logSeparator)
	r, err := c.git(ctx, repoDir, "log", "--all", "--format="+format, fmt.Sprintf("-%d", limit), "--topo-order")
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return []Commit{}, nil
	}

	commits := []Commit{}
	for _, line := range strings.Split(strings.TrimSpace(r.Stdout), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, logSeparator)
		if len(parts) < 7 {
			continue
		}
		commit := Commit{
			SHA:     parts[0],
			Short:   parts[1],
			Parents: strings.Fields(parts[2]),
			Message: parts[3],
			Author:  parts[4],
			TimeAgo: parts[5],
			Refs:    []string{},
		}
		for _, ref := range strings.Split(parts[6], ",") {
			if ref = strings.TrimSpace(ref); ref != "" {
				commit.Refs = append(commit.Refs, ref)
			}
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// CurrentBranch returns the checked-out branch of a repo, or "main" when
// it cannot be determined.
func (c *Controller) CurrentBranch(ctx context.Context, repoDir string) string {
	r, err := c.git(ctx, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || !r.ok() {
		return "main"
	}
	if branch := strings.TrimSpace(r.Stdout); branch != "" {
		return branch
	}
	return "main"
}

// HasRemote reports whether the repo has any remote configured.
func (c *Controller) HasRemote(ctx context.Context, repoDir string) bool {
	r, err := c.git(ctx, repoDir, "remote")
	return err == nil && r.ok() && strings.TrimSpace(r.Stdout) != ""
}

// UnpushedCount returns how many commits on base are ahead of
// origin/<base>. The second return is false when no remote is configured.
func (c *Controller) UnpushedCount(ctx context.Context, repoDir, base string) (int, bool) {
	if !c.HasRemote(ctx, repoDir) {
		return 0, false
	}
	r, err := c.git(ctx, repoDir, "rev-list", fmt.Sprintf("origin/%s..%s", base, base), "--count")
	if err != nil || !r.ok() {
		return 0, true
	}
	count, err := strconv.Atoi(strings.TrimSpace(r.Stdout))
	if err != nil {
		return 0, true
	}
	return count, true
}

// Push pushes the base branch to origin.
func (c *Controller) Push(ctx context.Context, repoDir, base string) error {
	r, err := c.runGit(ctx, repoDir, c.cfg.PushTimeout, "push", "origin", base)
	if err != nil {
		return err
	}
	if !r.ok() {
		return fmt.Errorf("push failed: %s", r.errText())
	}
	return nil
}
