// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/eventlog"
	"github.com/taskhive/taskhive/internal/gitops"
	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/internal/registry"
	"github.com/taskhive/taskhive/internal/scheduler"
	"github.com/taskhive/taskhive/internal/workerpool"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store  *registry.Store
	sched  *scheduler.Scheduler
	pool   *workerpool.Pool
	git    *gitops.Controller
	events *eventlog.Log
	cfg    config.ServerConfig
	data   config.DataConfig
}

// NewHandlers creates the handler set.
func NewHandlers(store *registry.Store, sched *scheduler.Scheduler, pool *workerpool.Pool, git *gitops.Controller, events *eventlog.Log, cfg config.ServerConfig) *Handlers {
	return &Handlers{
		store:  store,
		sched:  sched,
		pool:   pool,
		git:    git,
		events: events,
		cfg:    cfg,
		data:   store.Data(),
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForErr maps store/scheduler errors to HTTP status codes. State
// machine rejections read as client errors, not server faults.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrTerminal):
		return http.StatusConflict
	case strings.HasPrefix(err.Error(), "cannot "):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- project handlers ---

// ListProjects handles GET /api/projects
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// createProjectRequest is the JSON body for project creation.
type createProjectRequest struct {
	Name       string `json:"name"`
	RepoURL    string `json:"repo_url"`
	Branch     string `json:"branch"`
	SourceType string `json:"source_type"`
	AutoMerge  *bool  `json:"auto_merge"`
	AutoPush   *bool  `json:"auto_push"`
}

// CreateProject handles POST /api/projects. Repository setup runs in the
// background; the project is returned immediately in cloning status.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var body createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	body.RepoURL = strings.TrimSpace(body.RepoURL)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	source := models.SourceType(body.SourceType)
	if source == "" {
		source = models.SourceGit
	}
	switch source {
	case models.SourceGit, models.SourceLocal:
		if body.RepoURL == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("repo_url is required for source_type %q", source))
			return
		}
	case models.SourceNew:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source_type: %s", body.SourceType))
		return
	}

	autoMerge := true
	if body.AutoMerge != nil {
		autoMerge = *body.AutoMerge
	}
	autoPush := false
	if body.AutoPush != nil {
		autoPush = *body.AutoPush
	}

	project, err := h.store.AddProject(body.Name, body.RepoURL, body.Branch, source, autoMerge, autoPush)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sched.SetupProject(r.Context(), project.ID)
	writeJSON(w, http.StatusOK, project)
}

// DeleteProject handles DELETE /api/projects/{projectID}
func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := h.store.DeleteProject(projectID); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RetryProjectSetup handles POST /api/projects/{projectID}/retry.
// The partial repo directory is discarded before setup runs again.
func (h *Handlers) RetryProjectSetup(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := h.store.GetProject(projectID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	if project.Status != models.ProjectError {
		writeError(w, http.StatusBadRequest, "project is not in error state")
		return
	}

	repoDir := h.data.RepoDir(projectID)
	if fi, err := os.Lstat(repoDir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			os.Remove(repoDir)
		} else {
			os.RemoveAll(repoDir)
		}
	}

	if _, err := h.store.UpdateProjectStatus(projectID, models.ProjectCloning, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sched.SetupProject(r.Context(), projectID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

// projectSettingsRequest is the JSON body for settings updates; absent
// fields are left unchanged.
type projectSettingsRequest struct {
	AutoMerge *bool `json:"auto_merge"`
	AutoPush  *bool `json:"auto_push"`
}

// UpdateProjectSettings handles PATCH /api/projects/{projectID}/settings
func (h *Handlers) UpdateProjectSettings(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var body projectSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	project, err := h.store.UpdateProjectSettings(projectID, body.AutoMerge, body.AutoPush)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// localRepo is one discovered checkout under the configured scan root.
type localRepo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// ListLocalRepos handles GET /api/local-repos. Scans the configured root
// for directories containing a .git directory.
func (h *Handlers) ListLocalRepos(w http.ResponseWriter, r *http.Request) {
	results := []localRepo{}
	root := h.cfg.LocalReposDir
	if root == "" {
		writeJSON(w, http.StatusOK, results)
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		writeJSON(w, http.StatusOK, results)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		full := filepath.Join(root, entry.Name())
		if fi, err := os.Stat(filepath.Join(full, ".git")); err != nil || !fi.IsDir() {
			continue
		}
		results = append(results, localRepo{
			Name:   entry.Name(),
			Path:   full,
			Branch: h.git.CurrentBranch(r.Context(), full),
		})
	}
	writeJSON(w, http.StatusOK, results)
}

// --- task handlers ---

// ListTasks handles GET /api/projects/{projectID}/tasks. Worker slot
// state is reconciled against the queue on every poll.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.store.GetProject(projectID); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	tasks, err := h.store.ListTasks(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.pool.UpdateFromTasks(tasks)
	writeJSON(w, http.StatusOK, tasks)
}

// createTaskRequest is the JSON body for task creation. Only description
// is required; the title is derived from its first line.
type createTaskRequest struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	DependsOn   string `json:"depends_on"`
	PlanMode    bool   `json:"plan_mode"`
}

// CreateTask handles POST /api/projects/{projectID}/tasks
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if _, err := h.store.GetProject(projectID); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}

	task, err := h.store.AddTask(projectID, body.Description, body.Priority, body.DependsOn, body.PlanMode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetTask handles GET /api/projects/{projectID}/tasks/{taskID}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	task, err := h.store.GetTask(projectID, taskID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /api/projects/{projectID}/tasks/{taskID}
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	if err := h.store.DeleteTask(projectID, taskID); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// CancelTask handles POST /api/projects/{projectID}/tasks/{taskID}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	if _, err := h.sched.CancelTask(r.Context(), projectID, taskID); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": taskID})
}

// RetryTask handles POST /api/projects/{projectID}/tasks/{taskID}/retry
func (h *Handlers) RetryTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	task, err := h.store.RetryTask(projectID, taskID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	status := "retrying"
	if task.PlanMode {
		status = "retrying_plan"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "task_id": taskID})
}

// mergeTaskRequest is the JSON body for manual merges.
type mergeTaskRequest struct {
	Squash bool `json:"squash"`
}

// MergeTask handles POST /api/projects/{projectID}/tasks/{taskID}/merge.
// Merge conflicts abort cleanly and report 409; the task stays in
// merge_pending for another attempt.
func (h *Handlers) MergeTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	var body mergeTaskRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	commit, err := h.sched.MergeTask(r.Context(), projectID, taskID, body.Squash)
	if err != nil {
		status := statusForErr(err)
		if strings.Contains(err.Error(), "merge failed") {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged", "commit": commit})
}

// --- plan approval handlers ---

// planApprovalRequest is the JSON body for single-task plan decisions.
type planApprovalRequest struct {
	TaskID   string            `json:"task_id"`
	Approved bool              `json:"approved"`
	Feedback string            `json:"feedback"`
	Answers  map[string]string `json:"answers"`
}

// ApprovePlan handles POST /api/projects/{projectID}/plan/approve.
// Approval appends the operator's answers to the plan text and promotes
// the task to plan_approved; rejection returns it to pending with the
// feedback recorded as the new plan.
func (h *Handlers) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var body planApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := h.store.GetTask(projectID, body.TaskID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}

	if body.Approved {
		planText := task.Plan
		if len(body.Answers) > 0 {
			var sb strings.Builder
			sb.WriteString(planText)
			sb.WriteString("\n\n---\n## User Answers\n")
			for key, value := range body.Answers {
				fmt.Fprintf(&sb, "- **%s**: %s\n", key, value)
			}
			planText = sb.String()
		}
		status := models.TaskPlanApproved
		upd := registry.TaskUpdate{Status: &status, Plan: &planText}
		if body.Answers != nil {
			upd.PlanAnswers = body.Answers
		}
		if _, err := h.store.UpdateTask(projectID, body.TaskID, upd); err != nil {
			writeError(w, statusForErr(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "task_id": body.TaskID})
		return
	}

	status := models.TaskPending
	if _, err := h.store.UpdateTask(projectID, body.TaskID, registry.TaskUpdate{Status: &status, Plan: &body.Feedback}); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "task_id": body.TaskID})
}

// batchPlanApprovalRequest is the JSON body for batch plan decisions.
type batchPlanApprovalRequest struct {
	TaskIDs  []string `json:"task_ids"`
	Approved bool     `json:"approved"`
	Feedback string   `json:"feedback"`
}

// BatchApprovePlans handles POST /api/projects/{projectID}/plan/batch-approve.
// Tasks not currently in plan_pending are skipped, not failed.
func (h *Handlers) BatchApprovePlans(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var body batchPlanApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	results := make([]map[string]string, 0, len(body.TaskIDs))
	for _, taskID := range body.TaskIDs {
		task, err := h.store.GetTask(projectID, taskID)
		if err != nil || task.Status != models.TaskPlanPending {
			results = append(results, map[string]string{"task_id": taskID, "status": "skipped"})
			continue
		}
		if body.Approved {
			status := models.TaskPlanApproved
			if _, err := h.store.UpdateTask(projectID, taskID, registry.TaskUpdate{Status: &status}); err != nil {
				results = append(results, map[string]string{"task_id": taskID, "status": "skipped"})
				continue
			}
			results = append(results, map[string]string{"task_id": taskID, "status": "approved"})
		} else {
			status := models.TaskPending
			if _, err := h.store.UpdateTask(projectID, taskID, registry.TaskUpdate{Status: &status, Plan: &body.Feedback}); err != nil {
				results = append(results, map[string]string{"task_id": taskID, "status": "skipped"})
				continue
			}
			results = append(results, map[string]string{"task_id": taskID, "status": "rejected"})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// --- git inspection handlers ---

// GitLog handles GET /api/projects/{projectID}/git/log
func (h *Handlers) GitLog(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	const maxLimit = 500
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	repoDir := h.data.RepoDir(projectID)
	if fi, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil || !fi.IsDir() {
		writeJSON(w, http.StatusOK, map[string][]gitops.Commit{"commits": {}})
		return
	}
	commits, err := h.git.Log(r.Context(), repoDir, limit)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string][]gitops.Commit{"commits": {}})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]gitops.Commit{"commits": commits})
}

// UnpushedCommits handles GET /api/projects/{projectID}/git/unpushed
func (h *Handlers) UnpushedCommits(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := h.store.GetProject(projectID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	base := project.Branch
	if base == "" {
		base = "main"
	}
	count, hasRemote := h.git.UnpushedCount(r.Context(), h.data.RepoDir(projectID), base)
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": count, "has_remote": hasRemote})
}

// PushProject handles POST /api/projects/{projectID}/git/push
func (h *Handlers) PushProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := h.store.GetProject(projectID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	base := project.Branch
	if base == "" {
		base = "main"
	}
	if err := h.git.Push(r.Context(), h.data.RepoDir(projectID), base); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pushed", "branch": base})
}

// --- worker handlers ---

// ListWorkers handles GET /api/workers. Slot state is reconciled against
// every project's queue first so stale busy slots self-heal.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var allTasks []*models.Task
	for _, project := range projects {
		tasks, err := h.store.ListTasks(project.ID)
		if err != nil {
			continue
		}
		allTasks = append(allTasks, tasks...)
	}
	h.pool.UpdateFromTasks(allTasks)
	writeJSON(w, http.StatusOK, h.pool.GetAll())
}

// RestartWorker handles POST /api/workers/{workerID}/restart
func (h *Handlers) RestartWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := h.sched.RestartWorker(r.Context(), workerID); err != nil {
		status := statusForErr(err)
		if strings.Contains(err.Error(), "no running container") {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// DispatcherEvents handles GET /api/dispatcher/events
func (h *Handlers) DispatcherEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, h.events.Recent(limit))
}
