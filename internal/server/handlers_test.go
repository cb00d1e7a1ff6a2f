// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/eventlog"
	"github.com/taskhive/taskhive/internal/gitops"
	"github.com/taskhive/taskhive/internal/logtail"
	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/internal/registry"
	"github.com/taskhive/taskhive/internal/scheduler"
	"github.com/taskhive/taskhive/internal/workerpool"
	"github.com/taskhive/taskhive/pkg/containers/docker"
)

type apiFixture struct {
	srv    *httptest.Server
	store  *registry.Store
	events *eventlog.Log
	data   config.DataConfig
	cfg    config.ServerConfig
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureCfg(t, config.ServerConfig{Host: "127.0.0.1"})
}

func newAPIFixtureCfg(t *testing.T, cfg config.ServerConfig) *apiFixture {
	t.Helper()
	data := config.DataConfig{Dir: t.TempDir()}
	store := registry.NewStore(data, 2*time.Second)
	client := docker.NewMockClient()
	pool := workerpool.NewPool(config.ContainerConfig{
		Image:       "claude-worker:latest",
		NamePrefix:  "claude-worker-",
		WorkerCount: 1,
		StopTimeout: 10 * time.Second,
		WaitTimeout: time.Minute,
	}, data, client)
	git := gitops.NewController(config.GitConfig{
		CommandTimeout: 60 * time.Second,
		FetchTimeout:   60 * time.Second,
		MergeTimeout:   60 * time.Second,
		CloneTimeout:   60 * time.Second,
		PushTimeout:    60 * time.Second,
	})
	events := eventlog.New(0)
	sched := scheduler.New(store, pool, git, events, config.SchedulerConfig{
		IdlePollInterval:   time.Hour,
		ClaimRetryInterval: time.Hour,
		DispatchPacing:     time.Millisecond,
		LockTimeout:        2 * time.Second,
	}, config.HooksConfig{LogTimeout: time.Second, QueryTimeout: time.Second})

	handlers := NewHandlers(store, sched, pool, git, events, cfg)
	srv := httptest.NewServer(Router(&cfg, handlers))
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: store, events: events, data: data, cfg: cfg}
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) newProject(t *testing.T) *models.Project {
	t.Helper()
	project, err := f.store.AddProject("demo", "", "main", models.SourceNew, true, false)
	require.NoError(t, err)
	project, err = f.store.UpdateProjectStatus(project.ID, models.ProjectReady, "")
	require.NoError(t, err)
	return project
}

func TestCreateProjectValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, "POST", "/api/projects", map[string]interface{}{"repo_url": "https://example.com/r.git"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "name is required", body["error"])

	resp, body = f.request(t, "POST", "/api/projects", map[string]interface{}{"name": "x", "source_type": "git"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "repo_url is required")

	resp, body = f.request(t, "POST", "/api/projects", map[string]interface{}{"name": "x", "source_type": "floppy"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown source_type")
}

func TestCreateProjectNewSourceBecomesReady(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.request(t, "POST", "/api/projects", map[string]interface{}{
		"name":        "fresh",
		"source_type": "new",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projectID := body["id"].(string)
	assert.Len(t, projectID, 8)
	assert.Equal(t, "fresh", body["name"])

	// Setup runs in the background.
	require.Eventually(t, func() bool {
		p, err := f.store.GetProject(projectID)
		return err == nil && p.Status == models.ProjectReady
	}, 10*time.Second, 50*time.Millisecond)
}

func TestDeleteProject(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)

	resp, body := f.request(t, "DELETE", "/api/projects/"+project.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])

	resp, _ = f.request(t, "DELETE", "/api/projects/"+project.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateProjectSettings(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)

	resp, body := f.request(t, "PATCH", "/api/projects/"+project.ID+"/settings", map[string]interface{}{"auto_merge": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["auto_merge"])
	assert.Equal(t, false, body["auto_push"])

	got, err := f.store.GetProject(project.ID)
	require.NoError(t, err)
	assert.False(t, got.AutoMerge)
}

func TestTaskCRUD(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	base := "/api/projects/" + project.ID + "/tasks"

	resp, body := f.request(t, "POST", base, map[string]interface{}{"description": "Fix the login page\nwith details"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	taskID := body["id"].(string)
	assert.Equal(t, "Fix the login page", body["title"])
	assert.Equal(t, "pending", body["status"])

	resp, body = f.request(t, "GET", base+"/"+taskID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, taskID, body["id"])

	resp, _ = f.request(t, "GET", base, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, "DELETE", base+"/"+taskID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, "GET", base+"/"+taskID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTaskRequiresDescription(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)

	resp, body := f.request(t, "POST", "/api/projects/"+project.ID+"/tasks", map[string]interface{}{"description": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "description is required", body["error"])
}

func TestCancelAndRetryTask(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "cancel me", 0, "", false)
	require.NoError(t, err)
	base := "/api/projects/" + project.ID + "/tasks/" + task.ID

	resp, body := f.request(t, "POST", base+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	// A cancelled task cannot be cancelled again.
	resp, _ = f.request(t, "POST", base+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.request(t, "POST", base+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "retrying", body["status"])

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestRetryRunningTaskRejected(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "busy", 0, "", false)
	require.NoError(t, err)
	running := models.TaskRunning
	_, err = f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Status: &running})
	require.NoError(t, err)

	resp, body := f.request(t, "POST", "/api/projects/"+project.ID+"/tasks/"+task.ID+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "cannot retry")
}

func TestApprovePlan(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "plan this", 0, "", true)
	require.NoError(t, err)
	require.Equal(t, models.TaskPlanPending, task.Status)

	plan := "1. Do the thing"
	_, err = f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Plan: &plan})
	require.NoError(t, err)

	resp, body := f.request(t, "POST", "/api/projects/"+project.ID+"/plan/approve", map[string]interface{}{
		"task_id":  task.ID,
		"approved": true,
		"answers":  map[string]string{"database": "postgres"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", body["status"])

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPlanApproved, got.Status)
	assert.Contains(t, got.Plan, "1. Do the thing")
	assert.Contains(t, got.Plan, "## User Answers")
	assert.Contains(t, got.Plan, "**database**: postgres")
	assert.Equal(t, "postgres", got.PlanAnswers["database"])
}

func TestRejectPlan(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "plan this", 0, "", true)
	require.NoError(t, err)

	resp, body := f.request(t, "POST", "/api/projects/"+project.ID+"/plan/approve", map[string]interface{}{
		"task_id":  task.ID,
		"approved": false,
		"feedback": "split into smaller steps",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Equal(t, "split into smaller steps", got.Plan)
}

func TestBatchApprovePlans(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	planned, err := f.store.AddTask(project.ID, "planned", 0, "", true)
	require.NoError(t, err)
	plain, err := f.store.AddTask(project.ID, "plain", 0, "", false)
	require.NoError(t, err)

	resp, body := f.request(t, "POST", "/api/projects/"+project.ID+"/plan/batch-approve", map[string]interface{}{
		"task_ids": []string{planned.ID, plain.ID, "missing1"},
		"approved": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := body["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, "approved", results[0].(map[string]interface{})["status"])
	assert.Equal(t, "skipped", results[1].(map[string]interface{})["status"])
	assert.Equal(t, "skipped", results[2].(map[string]interface{})["status"])

	got, err := f.store.GetTask(project.ID, planned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPlanApproved, got.Status)
}

func TestInternalStatusUpdate(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "reported on", 0, "", false)
	require.NoError(t, err)
	base := fmt.Sprintf("/internal/tasks/%s/%s", project.ID, task.ID)

	resp, body := f.request(t, "POST", base+"/status", map[string]interface{}{
		"status": "running",
		"branch": "claude/" + task.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "updated", body["status"])

	got, err := f.store.GetTask(project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
	assert.Equal(t, "claude/"+task.ID, got.Branch)

	// Containers re-read their task through the same surface.
	resp, body = f.request(t, "GET", base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.ID, body["id"])
	assert.Equal(t, "running", body["status"])
}

func TestInternalStatusRejectsUnknownValue(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "x", 0, "", false)
	require.NoError(t, err)

	resp, body := f.request(t, "POST", fmt.Sprintf("/internal/tasks/%s/%s/status", project.ID, task.ID),
		map[string]interface{}{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid status")
}

func TestInternalStatusTerminalGuard(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	task, err := f.store.AddTask(project.ID, "done", 0, "", false)
	require.NoError(t, err)
	completed := models.TaskCompleted
	_, err = f.store.UpdateTask(project.ID, task.ID, registry.TaskUpdate{Status: &completed})
	require.NoError(t, err)

	resp, _ := f.request(t, "POST", fmt.Sprintf("/internal/tasks/%s/%s/status", project.ID, task.ID),
		map[string]interface{}{"status": "running"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDispatcherEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.events.Emit("worker-1", "Container started for: demo task")

	req, err := http.NewRequest("GET", f.srv.URL+"/api/dispatcher/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []eventlog.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "worker-1", events[0].Source)
	assert.Contains(t, events[0].Message, "Container started")
}

func TestListWorkers(t *testing.T) {
	f := newAPIFixture(t)
	f.newProject(t)

	req, err := http.NewRequest("GET", f.srv.URL+"/api/workers", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var workers []models.WorkerSlot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-1", workers[0].ID)
	assert.Equal(t, models.WorkerIdle, workers[0].Status)
}

func TestGitLogAndUnpushed(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)
	repo := f.data.RepoDir(project.ID)

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hi\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial")

	resp, body := f.request(t, "GET", "/api/projects/"+project.ID+"/git/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	commits := body["commits"].([]interface{})
	require.Len(t, commits, 1)
	assert.Equal(t, "initial", commits[0].(map[string]interface{})["message"])

	resp, body = f.request(t, "GET", "/api/projects/"+project.ID+"/git/unpushed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, false, body["has_remote"])
}

func TestGitLogWithoutRepo(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)

	resp, body := f.request(t, "GET", "/api/projects/"+project.ID+"/git/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["commits"])
}

func TestListLocalRepos(t *testing.T) {
	root := t.TempDir()
	repo := filepath.Join(root, "myproject")
	require.NoError(t, os.MkdirAll(repo, 0755))
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "develop")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	run("commit", "--allow-empty", "-m", "initial")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-repo"), 0755))

	f := newAPIFixtureCfg(t, config.ServerConfig{Host: "127.0.0.1", LocalReposDir: root})

	req, err := http.NewRequest("GET", f.srv.URL+"/api/local-repos", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var repos []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&repos))
	require.Len(t, repos, 1)
	assert.Equal(t, "myproject", repos[0]["name"])
	assert.Equal(t, repo, repos[0]["path"])
	assert.Equal(t, "develop", repos[0]["branch"])
}

func TestStreamLogsBacklogAndTail(t *testing.T) {
	f := newAPIFixture(t)
	project := f.newProject(t)

	logDir := f.data.LogsDir(project.ID)
	require.NoError(t, os.MkdirAll(logDir, 0755))
	logFile := f.data.LogFile(project.ID, "worker-1")
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"backlog entry"}]}}` + "\n"
	require.NoError(t, os.WriteFile(logFile, []byte(line), 0644))

	wsURL := strings.Replace(f.srv.URL, "http://", "ws://", 1) + "/ws/logs/worker-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var event logtail.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "assistant", event.Type)
	assert.Equal(t, "backlog entry", event.Text)

	// Appended lines arrive through the live tail.
	fh, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"live entry"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "live entry", event.Text)
}
