// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// ContainerStatus represents the current state of a container
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
	StatusFailed  ContainerStatus = "failed"
)

// Container represents a worker container
type Container struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Status      ContainerStatus   `json:"status"`
	ExitCode    int               `json:"exit_code"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMapping   `json:"volumes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	TaskID      string            `json:"task_id,omitempty"`
}

// VolumeMapping defines volume mount configuration
type VolumeMapping struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// ContainerConfig holds configuration for creating a container
type ContainerConfig struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment"`
	Volumes     []VolumeMapping   `json:"volumes"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Command     []string          `json:"command,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
	ExtraHosts  []string          `json:"extra_hosts,omitempty"`
	AutoRemove  bool              `json:"auto_remove,omitempty"`
	MemoryMB    int64             `json:"memory_mb,omitempty"`
	CPUShares   int64             `json:"cpu_shares,omitempty"`
}
