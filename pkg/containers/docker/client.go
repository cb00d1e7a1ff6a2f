// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/taskhive/taskhive/pkg/containers/models"
)

// ClientInterface defines what we need from Docker
type ClientInterface interface {
	CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*models.Container, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	ListContainersByPrefix(ctx context.Context, namePrefix string) ([]*models.Container, error)
	Close() error
}

// Client implements ClientInterface using real Docker
type Client struct {
	docker *client.Client
}

// Compile-time check that Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Docker client using default environment settings
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a new Docker client with a specific host
// If dockerHost is empty, uses environment variables (FromEnv)
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt

	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker: dockerClient,
	}, nil
}

// CreateContainer creates a new container from the given configuration
func (c *Client) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	binds := make([]string, 0, len(config.Volumes))
	for _, volume := range config.Volumes {
		bind := fmt.Sprintf("%s:%s", volume.HostPath, volume.ContainerPath)
		if volume.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	containerConfig := &container.Config{
		Image:      config.Image,
		Env:        envMapToSlice(config.Environment),
		WorkingDir: config.WorkingDir,
		Cmd:        config.Command,
		Labels:     config.Labels,
	}

	hostConfig := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(config.NetworkMode),
		ExtraHosts:  config.ExtraHosts,
		AutoRemove:  config.AutoRemove,
		Resources: container.Resources{
			Memory:    config.MemoryMB * 1024 * 1024, // Memory is in bytes
			CPUShares: config.CPUShares,
		},
	}

	networkingConfig := &network.NetworkingConfig{}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, nil, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	return &models.Container{
		ID:          resp.ID,
		Name:        config.Name,
		Image:       config.Image,
		Status:      models.StatusCreated,
		Environment: config.Environment,
		Volumes:     config.Volumes,
		Labels:      config.Labels,
		CreatedAt:   time.Now(),
		TaskID:      config.TaskID,
	}, nil
}

// StartContainer starts an existing container
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.docker.ContainerStart(ctx, containerID, container.StartOptions{})
}

// StopContainer stops a running container
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var timeoutSeconds *int
	if timeout != nil {
		seconds := int(timeout.Seconds())
		timeoutSeconds = &seconds
	}
	err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSeconds})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// RemoveContainer removes a container. Removing a container that is
// already gone is not an error.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// InspectContainer gets detailed information about a container
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	resp, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	status := models.StatusCreated
	if resp.State.Running {
		status = models.StatusRunning
	} else if resp.State.Dead || resp.State.OOMKilled || resp.State.ExitCode != 0 {
		status = models.StatusFailed
	} else if !resp.State.Running {
		status = models.StatusStopped
	}

	var volumes []models.VolumeMapping
	for _, mount := range resp.Mounts {
		volumes = append(volumes, models.VolumeMapping{
			HostPath:      mount.Source,
			ContainerPath: mount.Destination,
			ReadOnly:      !mount.RW,
		})
	}

	createdTime, _ := time.Parse(time.RFC3339Nano, resp.Created)

	return &models.Container{
		ID:          resp.ID,
		Name:        strings.TrimPrefix(resp.Name, "/"),
		Image:       resp.Config.Image,
		Status:      status,
		ExitCode:    resp.State.ExitCode,
		Environment: envSliceToMap(resp.Config.Env),
		Volumes:     volumes,
		Labels:      resp.Config.Labels,
		CreatedAt:   createdTime,
	}, nil
}

// WaitContainer blocks until the container is no longer running and
// returns its exit code. A container that vanished before we could
// observe its exit (auto-remove won the race) counts as exit 0.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to wait for container: %w", err)
	case result := <-statusCh:
		if result.Error != nil {
			return result.StatusCode, fmt.Errorf("container wait error: %s", result.Error.Message)
		}
		return result.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ListContainersByPrefix lists all containers (running and stopped) whose
// name starts with namePrefix.
func (c *Client) ListContainersByPrefix(ctx context.Context, namePrefix string) ([]*models.Container, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", namePrefix)

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]*models.Container, 0, len(containers))
	for _, summary := range containers {
		name := ""
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		// Docker's name filter is a substring match; enforce the prefix.
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		result = append(result, &models.Container{
			ID:     summary.ID,
			Name:   name,
			Image:  summary.Image,
			Labels: summary.Labels,
		})
	}

	return result, nil
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// Helper functions
func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

func envSliceToMap(envSlice []string) map[string]string {
	envMap := make(map[string]string)
	for _, env := range envSlice {
		key, value, found := strings.Cut(env, "=")
		if found && key != "" {
			envMap[key] = value
		}
	}
	return envMap
}
