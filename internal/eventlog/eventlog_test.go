// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAndRecent(t *testing.T) {
	l := New(10)
	l.Emit("worker-1", "first")
	l.Emit("scheduler", "second")

	events := l.Recent(0)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Message)
	assert.Equal(t, "worker-1", events[0].Source)
	assert.Equal(t, "second", events[1].Message)
	assert.NotEmpty(t, events[0].Timestamp)
}

func TestRecentLimit(t *testing.T) {
	l := New(10)
	for i := 0; i < 5; i++ {
		l.Emit("system", fmt.Sprintf("event %d", i))
	}

	events := l.Recent(2)
	require.Len(t, events, 2)
	assert.Equal(t, "event 3", events[0].Message)
	assert.Equal(t, "event 4", events[1].Message)
}

func TestCapacityEviction(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Emit("system", fmt.Sprintf("event %d", i))
	}

	events := l.Recent(0)
	require.Len(t, events, 3)
	assert.Equal(t, "event 2", events[0].Message)
	assert.Equal(t, "event 4", events[2].Message)
}

func TestZeroCapacityUsesDefault(t *testing.T) {
	l := New(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		l.Emit("system", "x")
	}
	assert.Len(t, l.Recent(0), DefaultCapacity)
}
