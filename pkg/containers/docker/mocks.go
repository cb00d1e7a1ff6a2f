// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskhive/taskhive/pkg/containers/models"
)

// MockClient is an in-memory ClientInterface for tests. Behavior can be
// overridden per method via the *Fn fields; unset methods act on the
// internal container map.
type MockClient struct {
	mu         sync.Mutex
	Containers map[string]*models.Container
	nextID     int

	CreateFn func(ctx context.Context, config models.ContainerConfig) (*models.Container, error)
	StartFn  func(ctx context.Context, containerID string) error
	WaitFn   func(ctx context.Context, containerID string) (int64, error)
	Removed  []string
	Stopped  []string
}

var _ ClientInterface = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{Containers: make(map[string]*models.Container)}
}

func (m *MockClient) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, config)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := &models.Container{
		ID:          fmt.Sprintf("mock-%d", m.nextID),
		Name:        config.Name,
		Image:       config.Image,
		Status:      models.StatusCreated,
		Environment: config.Environment,
		Volumes:     config.Volumes,
		Labels:      config.Labels,
		CreatedAt:   time.Now(),
		TaskID:      config.TaskID,
	}
	m.Containers[c.ID] = c
	return c, nil
}

func (m *MockClient) StartContainer(ctx context.Context, containerID string) error {
	if m.StartFn != nil {
		return m.StartFn(ctx, containerID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Containers[containerID]; ok {
		c.Status = models.StatusRunning
	}
	return nil
}

func (m *MockClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stopped = append(m.Stopped, containerID)
	if c, ok := m.Containers[containerID]; ok {
		c.Status = models.StatusStopped
	}
	return nil
}

func (m *MockClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, containerID)
	delete(m.Containers, containerID)
	return nil
}

func (m *MockClient) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Containers[containerID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("container %s not found", containerID)
}

func (m *MockClient) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	if m.WaitFn != nil {
		return m.WaitFn(ctx, containerID)
	}
	return 0, nil
}

func (m *MockClient) ListContainersByPrefix(ctx context.Context, namePrefix string) ([]*models.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Container
	for _, c := range m.Containers {
		if len(c.Name) >= len(namePrefix) && c.Name[:len(namePrefix)] == namePrefix {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *MockClient) Close() error {
	return nil
}
