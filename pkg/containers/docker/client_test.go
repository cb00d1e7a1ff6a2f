// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvMapToSlice(t *testing.T) {
	env := envMapToSlice(map[string]string{"TASK_ID": "abc123", "EMPTY": ""})
	assert.Len(t, env, 2)
	assert.Contains(t, env, "TASK_ID=abc123")
	assert.Contains(t, env, "EMPTY=")
}

func TestEnvSliceToMap(t *testing.T) {
	m := envSliceToMap([]string{"A=1", "B=x=y", "=noKey", "noEquals"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, m)
}

func TestEnvRoundTrip(t *testing.T) {
	original := map[string]string{"TASK_ID": "t1", "BRANCH_NAME": "claude/t1"}
	assert.Equal(t, original, envSliceToMap(envMapToSlice(original)))
}
