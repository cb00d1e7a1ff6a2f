// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/taskhive/taskhive/internal/models"
)

// Claim is the result of a successful ClaimNext: the task plus the project
// it belongs to, snapshotted at claim time.
type Claim struct {
	Project *models.Project
	Task    *models.Task
}

// candidate pairs a claimable task with its project for cross-project
// ordering.
type candidate struct {
	project *models.Project
	task    *models.Task
}

// statusTier orders claimable statuses: approved plans run before fresh
// pending work so an operator's approval takes effect on the next tick.
func statusTier(s models.TaskStatus) int {
	if s == models.TaskPlanApproved {
		return 0
	}
	return 1
}

// ClaimNext atomically claims the best claimable task across all ready
// projects for the given worker slot, or returns nil when nothing is
// claimable.
//
// The claim is two-phase. Phase one snapshots the ready projects under the
// registry lock, then collects candidates from each queue under its own
// lock. Phase two re-locks the winner's queue and re-verifies the task is
// still claimable before marking it claimed; a task snatched by a
// concurrent process between the phases just means we fall through to the
// next candidate.
func (s *Store) ClaimNext(workerID string) (*Claim, error) {
	var ready []*models.Project
	err := s.withFileLock(s.data.ProjectsFile(), func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		ready = lo.Filter(reg.Projects, func(p *models.Project, _ int) bool {
			return p.Status == models.ProjectReady
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}

	var candidates []candidate
	for _, project := range ready {
		project := project
		err := s.withFileLock(s.data.TasksFile(project.ID), func() error {
			queue, err := s.readQueue(project.ID)
			if err != nil {
				return err
			}
			for _, t := range queue.Tasks {
				if claimable(t, queue.Tasks) {
					candidates = append(candidates, candidate{project: project, task: t})
				}
			}
			return nil
		})
		if err != nil {
			// A busy or broken queue must not starve the other projects.
			getLog().Warn().Err(err).Str("project_id", project.ID).Msg("Skipping project during claim scan")
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].task, candidates[j].task
		if ta, tb := statusTier(a.Status), statusTier(b.Status); ta != tb {
			return ta < tb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if ca, cb := createdAt(a), createdAt(b); !ca.Equal(cb) {
			return ca.Before(cb)
		}
		return a.ID < b.ID
	})

	for _, cand := range candidates {
		claim, err := s.claimOne(cand.project, cand.task.ID, workerID)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				getLog().Warn().Err(err).Str("project_id", cand.project.ID).Msg("Lock timeout during claim")
				continue
			}
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
	}
	return nil, nil
}

// claimOne re-verifies and claims a single task under its queue lock.
// Returns (nil, nil) when the task is no longer claimable.
func (s *Store) claimOne(project *models.Project, taskID, workerID string) (*Claim, error) {
	var claim *Claim
	err := s.withFileLock(s.data.TasksFile(project.ID), func() error {
		queue, err := s.readQueue(project.ID)
		if err != nil {
			return err
		}
		for _, t := range queue.Tasks {
			if t.ID != taskID {
				continue
			}
			if !claimable(t, queue.Tasks) {
				return nil
			}
			t.Status = models.TaskClaimed
			t.WorkerID = workerID
			t.Branch = models.BranchForTask(t.ID)
			t.StartedAt = models.Now()
			t.Error = ""
			if err := s.writeQueue(project.ID, queue); err != nil {
				return err
			}
			claim = &Claim{Project: project, Task: t}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	if claim != nil {
		getLog().Info().
			Str("project_id", project.ID).
			Str("task_id", taskID).
			Str("worker_id", workerID).
			Msg("Task claimed")
	}
	return claim, nil
}

// createdAt parses a task's creation timestamp for ordering. RFC 3339
// fractional seconds are variable width, so string comparison would put
// "…00.5Z" after "…00.52Z"; an unparseable stamp sorts first.
func createdAt(t *models.Task) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// claimable reports whether a task may be picked up by a worker: it must
// be pending or plan-approved, and any dependency must already be
// completed. A failed or cancelled dependency blocks the dependent
// forever; retrying the dependency unblocks it.
func claimable(t *models.Task, queue []*models.Task) bool {
	if t.Status != models.TaskPending && t.Status != models.TaskPlanApproved {
		return false
	}
	if t.DependsOn == "" {
		return true
	}
	for _, dep := range queue {
		if dep.ID == t.DependsOn {
			return dep.Status == models.TaskCompleted
		}
	}
	// Dangling dependency (deleted task) does not block execution.
	return true
}
