// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels.
// These ensure consistent logger names across the codebase.

// GetRegistryLogger returns a logger for the registry store.
func GetRegistryLogger() zerolog.Logger {
	return GetLogger("registry")
}

// GetSchedulerLogger returns a logger for the scheduler loop.
func GetSchedulerLogger() zerolog.Logger {
	return GetLogger("scheduler")
}

// GetGitLogger returns a logger for git operations.
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetContainerLogger returns a logger for container operations.
func GetContainerLogger() zerolog.Logger {
	return GetLogger("container")
}

// GetAPILogger returns a logger for API operations.
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetLogtailLogger returns a logger for agent log parsing/streaming.
func GetLogtailLogger() zerolog.Logger {
	return GetLogger("logtail")
}
