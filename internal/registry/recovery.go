// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"github.com/taskhive/taskhive/internal/models"
)

// ResetStaleTasks returns every in-flight task to pending across all
// projects. Run once at startup: any task that was claimed, running,
// merging, or testing when the previous process died has lost its worker
// and its worktree, so it starts over from scratch. Tasks in merge_pending
// keep their status; their branch survives restarts and still awaits a
// manual merge. Returns the number of tasks reset.
func (s *Store) ResetStaleTasks() (int, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, project := range projects {
		pid := project.ID
		err := s.withFileLock(s.data.TasksFile(pid), func() error {
			queue, err := s.readQueue(pid)
			if err != nil {
				return err
			}
			changed := 0
			for _, t := range queue.Tasks {
				switch t.Status {
				case models.TaskClaimed, models.TaskRunning, models.TaskMerging, models.TaskTesting:
					t.Status = models.TaskPending
					t.WorkerID = ""
					t.Error = ""
					changed++
				}
			}
			if changed == 0 {
				return nil
			}
			if err := s.writeQueue(pid, queue); err != nil {
				return err
			}
			total += changed
			return nil
		})
		if err != nil {
			return total, err
		}
	}

	if total > 0 {
		getLog().Info().Int("count", total).Msg("Reset stale tasks to pending")
	}
	return total, nil
}
