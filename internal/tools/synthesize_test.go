// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/llm"
)

func TestSynthesize(t *testing.T) {
	var got llm.Request
	model := llm.CompleterFunc(func(ctx context.Context, req llm.Request) (string, error) {
		got = req
		return "  final report  ", nil
	})

	res, err := NewSynthesizeExecutor(model).Execute(context.Background(), map[string]interface{}{
		"instruction": "Summarize",
		"source":      "BTC is 42k",
	})
	require.NoError(t, err)
	assert.Equal(t, "final report", res.Output)
	assert.Equal(t, llm.TaskChat, got.Task)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Summarize\n\n--- Source Text ---\nBTC is 42k", got.Messages[0].Content)
}

func TestSynthesize_NoModel(t *testing.T) {
	res, err := NewSynthesizeExecutor(nil).Execute(context.Background(), map[string]interface{}{"instruction": "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorFatal, res.ErrorKind)
}
