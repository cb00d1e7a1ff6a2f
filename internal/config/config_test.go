// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Data.Dir)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "/mnt/repos", cfg.Server.LocalReposDir)
	assert.Equal(t, "claude-worker:latest", cfg.Container.Image)
	assert.Equal(t, 3, cfg.Container.WorkerCount)
	assert.Equal(t, 30*time.Minute, cfg.Container.WaitTimeout)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.IdlePollInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.LockTimeout)
	assert.Empty(t, cfg.Hooks.ExperienceLogCommand)
}

func TestNewConfigFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  local_repos_dir: /srv/repos
container:
  worker_count: 5
  wait_timeout: 15m
git:
  merge_test_script: /opt/run-tests.sh
hooks:
  experience_query_command: ["/usr/bin/exp", "query"]
scheduler:
  dispatch_pacing: 500ms
`)
	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/srv/repos", cfg.Server.LocalReposDir)
	assert.Equal(t, 5, cfg.Container.WorkerCount)
	assert.Equal(t, 15*time.Minute, cfg.Container.WaitTimeout)
	assert.Equal(t, "/opt/run-tests.sh", cfg.Git.MergeTestScript)
	assert.Equal(t, []string{"/usr/bin/exp", "query"}, cfg.Hooks.ExperienceQueryCommand)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.DispatchPacing)

	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "claude-worker:latest", cfg.Container.Image)
}

func TestNewConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"zero workers", "container:\n  worker_count: 0\n", "worker_count"},
		{"bad port", "server:\n  port: 70000\n", "port"},
		{"empty image", "container:\n  image: \"\"\n", "image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestExpandPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "repos"), expandPath("~/repos"))
	assert.Equal(t, "", expandPath(""))
}
