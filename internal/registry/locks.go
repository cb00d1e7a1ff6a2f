// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Errors callers branch on.
var (
	// ErrNotFound means the project or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout means a file lock could not be acquired in time. The
	// operation is safe to retry on the next scheduler tick.
	ErrLockTimeout = errors.New("file lock acquisition timed out")
	// ErrTerminal means an update tried to move a task out of a terminal
	// status without going through an explicit retry.
	ErrTerminal = errors.New("task is in a terminal status")
)

const lockRetryDelay = 50 * time.Millisecond

// withFileLock runs fn while holding the advisory lock sibling of path.
// Every JSON file <f> is guarded by <f>.lock; the lock file is shared by
// all processes touching the registry, so out-of-process tools (worker
// scripts, operators) see consistent state.
func (s *Store) withFileLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		return fmt.Errorf("failed to acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
	}
	defer fl.Unlock()

	return fn()
}
