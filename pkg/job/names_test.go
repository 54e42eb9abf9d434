// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewName(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 5, 0, time.UTC)
	id := uuid.MustParse("0123abcd-0000-4000-8000-000000000000")
	assert.Equal(t, "mnist-2026-10-19-08-30-05-0123abcd", newName("mnist", now, id))
	assert.Equal(t, "pytorch-mnist-2026-10-19-08-30-05-0123abcd", newName("pytorch_mnist", now, id))
	assert.Equal(t, "job-2026-10-19-08-30-05-0123abcd", newName("__", now, id))

	long := newName(strings.Repeat("x", 100), now, id)
	assert.Len(t, long, MaxNameLength)
	assert.True(t, strings.HasSuffix(long, "-0123abcd"))

	name := NewName("mnist")
	require.True(t, nameRegexp.MatchString(name), name)
	assert.NotEqual(t, name, NewName("mnist"))
}

func TestFormatHyperparameters(t *testing.T) {
	hp := map[string]any{
		"epochs":          10,
		"optimizer":       "sgd",
		"learning_rate":   0.01,
		"momentum":        float32(0.5),
		"progress":        false,
		"hidden_channels": int64(5),
		"timeout":         90 * time.Second,
	}
	assert.Equal(t, map[string]string{
		"epochs":          "10",
		"optimizer":       "sgd",
		"learning_rate":   "0.01",
		"momentum":        "0.5",
		"progress":        "false",
		"hidden_channels": "5",
		"timeout":         "1m30s",
	}, FormatHyperparameters(hp))

	assert.Equal(t, []string{"--epochs", "1", "--hidden_channels", "5", "--optimizer", "adam"},
		Arguments(map[string]any{"optimizer": "adam", "epochs": 1, "hidden_channels": 5}))
	assert.Empty(t, Arguments(nil))
}
