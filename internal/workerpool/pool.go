// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workerpool manages the fixed set of worker slots and the
// ephemeral Docker containers bound to them. Each task runs in its own
// container that only sees its worktree at /workspace.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskhive/taskhive/internal/config"
	"github.com/taskhive/taskhive/internal/logger"
	"github.com/taskhive/taskhive/internal/models"
	"github.com/taskhive/taskhive/pkg/containers/docker"
	containermodels "github.com/taskhive/taskhive/pkg/containers/models"
)

// Pool owns the slot map. Slots are created once at startup and never
// destroyed; only their fields change.
type Pool struct {
	mu           sync.Mutex
	cfg          config.ContainerConfig
	data         config.DataConfig
	client       docker.ClientInterface
	slots        map[string]*models.WorkerSlot
	slotOrder    []string
	containerIDs map[string]string
	log          zerolog.Logger
}

// NewPool creates the slot map worker-1..worker-N and sweeps any leftover
// worker containers from a previous run.
func NewPool(cfg config.ContainerConfig, data config.DataConfig, client docker.ClientInterface) *Pool {
	p := &Pool{
		cfg:          cfg,
		data:         data,
		client:       client,
		slots:        make(map[string]*models.WorkerSlot),
		containerIDs: make(map[string]string),
		log:          logger.GetContainerLogger(),
	}

	p.sweepStaleContainers()

	for i := 1; i <= cfg.WorkerCount; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.slots[id] = &models.WorkerSlot{
			ID:        id,
			Status:    models.WorkerIdle,
			StartedAt: models.Now(),
		}
		p.slotOrder = append(p.slotOrder, id)
	}
	return p
}

// sweepStaleContainers force-removes worker containers left over from a
// previous process. Best effort; a dead Docker daemon surfaces later.
func (p *Pool) sweepStaleContainers() {
	ctx := context.Background()
	stale, err := p.client.ListContainersByPrefix(ctx, p.cfg.NamePrefix)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to list stale worker containers")
		return
	}
	for _, c := range stale {
		p.log.Info().Str("container", c.Name).Msg("Removing stale worker container")
		if err := p.client.RemoveContainer(ctx, c.ID, true); err != nil {
			p.log.Warn().Err(err).Str("container", c.Name).Msg("Failed to remove stale container")
		}
	}
}

// containerName returns the deterministic name for a slot/task pairing.
func (p *Pool) containerName(workerID, taskID string) string {
	return p.cfg.NamePrefix + workerID + "-" + taskID
}

// RunTask starts a detached worker container for the task on the given
// slot. The worktree is mounted at /workspace, the project log directory
// at /logs, and the main repo at its own absolute path: a worktree's .git
// file is a gitdir pointer into the repo's .git/worktrees/ directory, so
// only identical paths resolve inside the container.
func (p *Pool) RunTask(ctx context.Context, workerID string, project *models.Project, task *models.Task, worktreePath, repoPath, logDir, branchName, experience string) error {
	p.mu.Lock()
	slot, ok := p.slots[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker slot %q", workerID)
	}

	if _, err := os.Stat(worktreePath); err != nil {
		p.setSlotError(workerID)
		return fmt.Errorf("worktree path does not exist: %s", worktreePath)
	}
	if _, err := os.Stat(filepath.Join(worktreePath, ".git")); err != nil {
		p.setSlotError(workerID)
		return fmt.Errorf("worktree has no .git: %s", worktreePath)
	}

	env := map[string]string{
		"TASK_ID":      task.ID,
		"TASK_TITLE":   task.Title,
		"TASK_DESC":    task.Description,
		"TASK_PLAN":    task.Plan,
		"PROJECT_ID":   project.ID,
		"PROJECT_NAME": project.Name,
		"WORKER_ID":    workerID,
		"MANAGER_URL":  p.cfg.ManagerURL,
		"BRANCH_NAME":  branchName,
	}
	if experience != "" {
		env["TASK_CONTEXT"] = experience
	}
	for _, key := range p.cfg.ForwardEnv {
		if val := os.Getenv(key); val != "" {
			env[key] = val
		}
	}

	name := p.containerName(workerID, task.ID)

	// Remove any leftover container with the same name.
	if leftovers, err := p.client.ListContainersByPrefix(ctx, name); err == nil {
		for _, c := range leftovers {
			_ = p.client.RemoveContainer(ctx, c.ID, true)
		}
	}

	created, err := p.client.CreateContainer(ctx, containermodels.ContainerConfig{
		Name:        name,
		Image:       p.cfg.Image,
		Environment: env,
		Volumes: []containermodels.VolumeMapping{
			{HostPath: p.data.HostPath(worktreePath), ContainerPath: "/workspace"},
			{HostPath: p.data.HostPath(logDir), ContainerPath: "/logs"},
			{HostPath: p.data.HostPath(repoPath), ContainerPath: repoPath},
		},
		TaskID:      task.ID,
		NetworkMode: p.cfg.NetworkMode,
		AutoRemove:  true,
	})
	if err != nil {
		p.setSlotError(workerID)
		return fmt.Errorf("failed to create worker container: %w", err)
	}
	if err := p.client.StartContainer(ctx, created.ID); err != nil {
		_ = p.client.RemoveContainer(ctx, created.ID, true)
		p.setSlotError(workerID)
		return fmt.Errorf("failed to start worker container: %w", err)
	}

	p.mu.Lock()
	p.containerIDs[workerID] = created.ID
	slot.Status = models.WorkerBusy
	slot.ContainerID = created.ID
	slot.CurrentTaskID = task.ID
	slot.CurrentTaskTitle = task.Title
	slot.LastActivity = models.Now()
	p.mu.Unlock()

	p.log.Info().
		Str("worker_id", workerID).
		Str("task_id", task.ID).
		Str("container_id", shortID(created.ID)).
		Msg("Started worker container")
	return nil
}

// WaitContainer blocks until the slot's container exits, bounded by the
// configured wait timeout. Callers run this off the scheduler loop.
// A container that was already auto-removed reports exit 0.
func (p *Pool) WaitContainer(ctx context.Context, workerID string) (int64, error) {
	p.mu.Lock()
	cid, ok := p.containerIDs[workerID]
	p.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("no container for worker %q", workerID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()
	return p.client.WaitContainer(waitCtx, cid)
}

// Reserve marks a slot busy for a freshly claimed task, before any
// container exists. The dispatch loop calls this synchronously so the
// same slot cannot be handed out again while worktree setup runs.
func (p *Pool) Reserve(workerID string, task *models.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[workerID]
	if !ok {
		return
	}
	slot.Status = models.WorkerBusy
	slot.CurrentTaskID = task.ID
	slot.CurrentTaskTitle = task.Title
	slot.LastActivity = models.Now()
}

// MarkIdle returns a slot to idle after its container completes.
func (p *Pool) MarkIdle(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[workerID]
	if !ok {
		return
	}
	slot.Status = models.WorkerIdle
	slot.ContainerID = ""
	slot.CurrentTaskID = ""
	slot.CurrentTaskTitle = ""
	slot.TasksCompleted++
	slot.LastActivity = models.Now()
	delete(p.containerIDs, workerID)
}

// StopWorker stops the slot's container with the configured grace period
// and idles the slot. Used for task cancellation and worker restarts.
// Returns false when the slot had no container.
func (p *Pool) StopWorker(ctx context.Context, workerID string) bool {
	p.mu.Lock()
	cid, ok := p.containerIDs[workerID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	grace := p.cfg.StopTimeout
	if err := p.client.StopContainer(ctx, cid, &grace); err != nil {
		p.log.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to stop worker container")
	} else {
		p.log.Info().Str("worker_id", workerID).Str("container_id", shortID(cid)).Msg("Stopped worker container")
	}
	p.MarkIdle(workerID)
	return true
}

// GetIdle returns the id of an idle slot, or "" when all are busy.
// Lowest-numbered slot wins so slot assignment is deterministic.
func (p *Pool) GetIdle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.slotOrder {
		if p.slots[id].Status == models.WorkerIdle {
			return id
		}
	}
	return ""
}

// Get returns a snapshot of one slot, refreshing container liveness first.
func (p *Pool) Get(workerID string) *models.WorkerSlot {
	p.refreshState(workerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[workerID]
	if !ok {
		return nil
	}
	copied := *slot
	return &copied
}

// GetAll returns snapshots of every slot in stable order, refreshing
// container liveness first.
func (p *Pool) GetAll() []*models.WorkerSlot {
	p.mu.Lock()
	ids := make([]string, len(p.slotOrder))
	copy(ids, p.slotOrder)
	p.mu.Unlock()

	for _, id := range ids {
		p.refreshState(id)
	}

	out := make([]*models.WorkerSlot, 0, len(ids))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.slotOrder {
		copied := *p.slots[id]
		out = append(out, &copied)
	}
	return out
}

// UpdateFromTasks reconciles slot fields against the current task list so
// a restart recovers displayed state without container events.
func (p *Pool) UpdateFromTasks(tasks []*models.Task) {
	active := make(map[string]*models.Task)
	for _, t := range tasks {
		if t.WorkerID != "" && t.Status.IsActive() {
			active[t.WorkerID] = t
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, slot := range p.slots {
		if slot.Status == models.WorkerStopped {
			continue
		}
		if task, ok := active[id]; ok {
			slot.Status = models.WorkerBusy
			slot.CurrentTaskID = task.ID
			slot.CurrentTaskTitle = task.Title
			slot.LastActivity = models.Now()
			continue
		}
		if _, hasContainer := p.containerIDs[id]; slot.Status == models.WorkerBusy && !hasContainer {
			slot.Status = models.WorkerIdle
			slot.CurrentTaskID = ""
			slot.CurrentTaskTitle = ""
		}
	}
}

func (p *Pool) setSlotError(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.slots[workerID]; ok {
		slot.Status = models.WorkerError
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// refreshState idles a slot whose container is no longer running.
func (p *Pool) refreshState(workerID string) {
	p.mu.Lock()
	cid, ok := p.containerIDs[workerID]
	p.mu.Unlock()
	if !ok {
		return
	}

	c, err := p.client.InspectContainer(context.Background(), cid)
	if err != nil {
		// Gone (auto-remove already fired).
		p.MarkIdle(workerID)
		return
	}
	if c.Status != containermodels.StatusRunning && c.Status != containermodels.StatusCreated {
		p.MarkIdle(workerID)
	}
}
