// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/internal/registry"
)

// internalStatusRequest is the callback body worker containers POST on
// every state transition. Absent fields are left unchanged.
type internalStatusRequest struct {
	Status string  `json:"status"`
	Branch *string `json:"branch"`
	Commit *string `json:"commit"`
	Error  *string `json:"error"`
}

// InternalUpdateStatus handles POST /internal/tasks/{projectID}/{taskID}/status.
// This is the authoritative status source for running tasks; the scheduler
// re-reads the task after container exit and trusts what was posted here.
func (h *Handlers) InternalUpdateStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")

	var body internalStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status := models.TaskStatus(body.Status)
	if !models.ValidTaskStatus(status) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status: %s", body.Status))
		return
	}

	upd := registry.TaskUpdate{
		Status:   &status,
		Branch:   body.Branch,
		CommitID: body.Commit,
		Error:    body.Error,
	}
	if _, err := h.store.UpdateTask(projectID, taskID, upd); err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "task_id": taskID})
}

// InternalGetTask handles GET /internal/tasks/{projectID}/{taskID}.
// Containers re-read their task for retry and continuation decisions.
func (h *Handlers) InternalGetTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	task, err := h.store.GetTask(projectID, taskID)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}
