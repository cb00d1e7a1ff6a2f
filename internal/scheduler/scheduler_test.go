// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/eventlog"
	"github.com/taskhive/taskhive/internal/gitops"
	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/internal/registry"
	"github.com/taskhive/taskhive/internal/workerpool"
	"github.com/taskhive/taskhive/pkg/containers/docker"
)

type fixture struct {
	sched  *Scheduler
	store  *registry.Store
	pool   *workerpool.Pool
	client *docker.MockClient
	events *eventlog.Log
	data   config.DataConfig
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	data := config.DataConfig{Dir: t.TempDir()}
	store := registry.NewStore(data, 2*time.Second)
	client := docker.NewMockClient()
	pool := workerpool.NewPool(config.ContainerConfig{
		Image:       "claude-worker:latest",
		NamePrefix:  "claude-worker-",
		WorkerCount: workers,
		ManagerURL:  "http://host.docker.internal:8420",
		StopTimeout: 10 * time.Second,
		WaitTimeout: 30 * time.Minute,
	}, data, client)
	git := gitops.NewController(config.GitConfig{
		CommandTimeout:   60 * time.Second,
		FetchTimeout:     120 * time.Second,
		MergeTimeout:     60 * time.Second,
		CloneTimeout:     300 * time.Second,
		PushTimeout:      120 * time.Second,
		MergeTestTimeout: 600 * time.Second,
	})
	events := eventlog.New(0)
	sched := New(store, pool, git, events, config.SchedulerConfig{
		IdlePollInterval:   20 * time.Millisecond,
		ClaimRetryInterval: 20 * time.Millisecond,
		DispatchPacing:     5 * time.Millisecond,
		LockTimeout:        2 * time.Second,
	}, config.HooksConfig{
		LogTimeout:   time.Second,
		QueryTimeout: time.Second,
	})
	return &fixture{sched: sched, store: store, pool: pool, client: client, events: events, data: data}
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// readyProject registers a project and turns its repo dir into a real
// repository with one commit on main.
func readyProject(t *testing.T, f *fixture) *models.Project {
	t.Helper()
	project, err := f.store.AddProject("demo", "", "main", models.SourceNew, true, false)
	require.NoError(t, err)

	repo := f.data.RepoDir(project.ID)
	mustGit(t, repo, "init", "-b", "main")
	mustGit(t, repo, "config", "user.name", "test")
	mustGit(t, repo, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hi\n"), 0644))
	mustGit(t, repo, "add", ".")
	mustGit(t, repo, "commit", "-m", "initial")

	project, err = f.store.UpdateProjectStatus(project.ID, models.ProjectReady, "")
	require.NoError(t, err)
	return project
}

func eventMessages(f *fixture) []string {
	var out []string
	for _, e := range f.events.Recent(0) {
		out = append(out, e.Message)
	}
	return out
}

func TestSetupProjectNewRepo(t *testing.T) {
	f := newFixture(t, 1)
	project, err := f.store.AddProject("fresh", "", "main", models.SourceNew, false, false)
	require.NoError(t, err)

	f.sched.setupProject(context.Background(), project.ID)

	got, err := f.store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectReady, got.Status)
	assert.Equal(t, "main", mustGit(t, f.data.RepoDir(project.ID), "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestSetupProjectBadLocalPath(t *testing.T) {
	f := newFixture(t, 1)
	project, err := f.store.AddProject("broken", filepath.Join(t.TempDir(), "nope"), "main", models.SourceLocal, false, false)
	require.NoError(t, err)

	f.sched.setupProject(context.Background(), project.ID)

	got, err := f.store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectError, got.Status)
	assert.Contains(t, got.Error, "does not exist")
}

func TestRecover(t *testing.T) {
	f := newFixture(t, 2)
	project := readyProject(t, f)
	repo := f.data.RepoDir(project.ID)
	ctx := context.Background()

	task, err := f.store.AddTask(project.ID, "interrupted work", 0, "", false)
	require.NoError(t, err)
	running := models.TaskRunning
	worker := "worker-1"
	_, err = f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Status: &running, WorkerID: &worker})
	require.NoError(t, err)

	// Leave a worktree and branch behind, as a crash would.
	wt := f.data.WorktreeDir(project.ID, "worker-1")
	branch := models.BranchForTask(task.ID)
	git := gitops.NewController(config.GitConfig{CommandTimeout: 60 * time.Second, FetchTimeout: 120 * time.Second})
	require.NoError(t, git.CreateWorktree(ctx, repo, wt, branch, "main"))

	require.NoError(t, f.sched.Recover(ctx))

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Empty(t, got.WorkerID)

	assert.NoDirExists(t, wt)
	assert.Empty(t, mustGit(t, repo, "branch", "--list", branch))

	msgs := eventMessages(f)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Recovered 1 interrupted tasks")

	// Idempotent.
	require.NoError(t, f.sched.Recover(ctx))
	got, err = f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)

	task, err := f.store.AddTask(project.ID, "queued", 0, "", false)
	require.NoError(t, err)

	cancelled, err := f.sched.CancelTask(context.Background(), project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, cancelled.Status)
}

func TestMergeTask(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)
	repo := f.data.RepoDir(project.ID)
	ctx := context.Background()

	task, err := f.store.AddTask(project.ID, "manual merge me", 0, "", false)
	require.NoError(t, err)

	// Simulate a finished task whose branch awaits a manual merge.
	branch := models.BranchForTask(task.ID)
	git := gitops.NewController(config.GitConfig{CommandTimeout: 60 * time.Second, FetchTimeout: 120 * time.Second, MergeTimeout: 60 * time.Second})
	wt := f.data.WorktreeDir(project.ID, "worker-1")
	require.NoError(t, git.CreateWorktree(ctx, repo, wt, branch, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wt, "feature.txt"), []byte("done\n"), 0644))
	mustGit(t, wt, "add", ".")
	mustGit(t, wt, "commit", "-m", "feature")
	git.CleanupWorktree(ctx, repo, wt, branch, false)

	pendingStatus := models.TaskMergePending
	branchName := branch
	_, err = f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Status: &pendingStatus, Branch: &branchName})
	require.NoError(t, err)

	commit, err := f.sched.MergeTask(ctx, project.ID, task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, commit, mustGit(t, repo, "rev-parse", "HEAD"))

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, commit, got.CommitID)
}

func TestMergeTaskRejectsWrongStatus(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)

	task, err := f.store.AddTask(project.ID, "still pending", 0, "", false)
	require.NoError(t, err)

	_, err = f.sched.MergeTask(context.Background(), project.ID, task.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot merge task")
}

func TestLifecycleNoCommitFails(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)

	task, err := f.store.AddTask(project.ID, "agent does nothing", 0, "", false)
	require.NoError(t, err)

	claim, err := f.store.ClaimNext("worker-1")
	require.NoError(t, err)
	require.NotNil(t, claim)

	// Mock container exits 0 without committing or reporting a status.
	f.sched.runLifecycle(context.Background(), "worker-1", project.ID, claim.Task)

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "no new commits")

	assert.NoDirExists(t, f.data.WorktreeDir(project.ID, "worker-1"))
	assert.Equal(t, models.WorkerIdle, f.pool.Get("worker-1").Status)
}

func TestLifecycleHappyPathAutoMerge(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)
	repo := f.data.RepoDir(project.ID)

	task, err := f.store.AddTask(project.ID, "add hello", 0, "", false)
	require.NoError(t, err)

	claim, err := f.store.ClaimNext("worker-1")
	require.NoError(t, err)
	require.NotNil(t, claim)

	// Stand in for the agent: commit in the worktree and report merging.
	f.client.WaitFn = func(ctx context.Context, containerID string) (int64, error) {
		wt := f.data.WorktreeDir(project.ID, "worker-1")
		require.NoError(t, os.WriteFile(filepath.Join(wt, "hello.txt"), []byte("hello\n"), 0644))
		mustGit(t, wt, "add", ".")
		mustGit(t, wt, "commit", "-m", "add hello")

		merging := models.TaskMerging
		_, err := f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Status: &merging})
		require.NoError(t, err)
		return 0, nil
	}

	f.sched.runLifecycle(context.Background(), "worker-1", project.ID, claim.Task)

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, mustGit(t, repo, "rev-parse", "HEAD"), got.CommitID)

	// Branch deleted, worktree removed, completion event emitted.
	assert.Empty(t, mustGit(t, repo, "branch", "--list", models.BranchForTask(task.ID)))
	assert.NoDirExists(t, f.data.WorktreeDir(project.ID, "worker-1"))
	assert.Contains(t, eventMessages(f), "Task completed: add hello")
	assert.FileExists(t, filepath.Join(repo, "hello.txt"))
}

func TestLifecycleContainerReportsFailure(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)

	task, err := f.store.AddTask(project.ID, "doomed", 0, "", false)
	require.NoError(t, err)

	claim, err := f.store.ClaimNext("worker-1")
	require.NoError(t, err)
	require.NotNil(t, claim)

	f.client.WaitFn = func(ctx context.Context, containerID string) (int64, error) {
		failed := models.TaskFailed
		reason := "agent gave up"
		_, err := f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Status: &failed, Error: &reason})
		require.NoError(t, err)
		return 1, nil
	}

	f.sched.runLifecycle(context.Background(), "worker-1", project.ID, claim.Task)

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "agent gave up", got.Error)
	assert.Contains(t, eventMessages(f), "Task failed: agent gave up")
	assert.Equal(t, models.WorkerIdle, f.pool.Get("worker-1").Status)
}

func TestRunDispatchesClaimedTask(t *testing.T) {
	f := newFixture(t, 1)
	project := readyProject(t, f)

	_, err := f.store.AddTask(project.ID, "dispatch me", 0, "", false)
	require.NoError(t, err)

	done := make(chan struct{})
	f.client.WaitFn = func(ctx context.Context, containerID string) (int64, error) {
		close(done)
		return 1, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go f.sched.Run(ctx)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler never dispatched the task")
	}
	cancel()
}
