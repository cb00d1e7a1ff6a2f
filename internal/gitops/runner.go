// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gitops drives every git interaction: worktree lifecycle, the
// merge-and-test pipeline, auto-merge, project repository setup, and
// history inspection. All operations are subprocess invocations with
// captured output and bounded timeouts. Callers serialize operations that
// mutate a project's main repo with that project's git lock.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "controller").Logger()
		log = &l
	})
	return log
}

// Controller runs git subprocesses with the configured timeouts.
type Controller struct {
	cfg config.GitConfig
}

// NewController creates a git controller.
func NewController(cfg config.GitConfig) *Controller {
	return &Controller{cfg: cfg}
}

// result captures a finished subprocess.
type result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r result) ok() bool {
	return r.ExitCode == 0
}

// combined joins stdout and stderr, dropping empty halves.
func (r result) combined() string {
	parts := make([]string, 0, 2)
	if r.Stdout != "" {
		parts = append(parts, r.Stdout)
	}
	if r.Stderr != "" {
		parts = append(parts, r.Stderr)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// errText returns a bounded error string, preferring stderr.
func (r result) errText() string {
	text := r.Stderr
	if text == "" {
		text = r.Stdout
	}
	text = strings.TrimSpace(text)
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}

// runGit runs a git command in dir with the given timeout. A non-zero
// exit is not an error; callers inspect the result. The error return is
// reserved for spawn failures and timeouts.
func (c *Controller) runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (result, error) {
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	getLog().Debug().Strs("args", args).Str("dir", dir).Msg("Git operation")

	err := cmd.Run()
	res := result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("git %s timed out after %s", args[0], timeout)
		}
		exitErr, isExit := err.(*exec.ExitError)
		if !isExit {
			return res, fmt.Errorf("failed to run git %s: %w", args[0], err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// git runs with the general command timeout.
func (c *Controller) git(ctx context.Context, dir string, args ...string) (result, error) {
	return c.runGit(ctx, dir, c.cfg.CommandTimeout, args...)
}

// isTracked reports whether a file is tracked by git.
func (c *Controller) isTracked(ctx context.Context, repoDir, filename string) bool {
	r, err := c.git(ctx, repoDir, "ls-files", "--error-unmatch", filename)
	return err == nil && r.ok()
}

// removeUntrackedFile deletes a file only when git does not track it.
func (c *Controller) removeUntrackedFile(ctx context.Context, repoDir, filename string) {
	path := repoDir + string(os.PathSeparator) + filename
	if _, err := os.Stat(path); err != nil {
		return
	}
	if !c.isTracked(ctx, repoDir, filename) {
		os.Remove(path)
	}
}
