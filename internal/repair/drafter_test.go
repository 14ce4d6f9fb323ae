// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package repair

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/tools"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name     string
		response string
		language string
		code     string
		tagged   bool
	}{
		{"tool tags", "Sure.\n[TOOL:PYTHON]\nprint(1)\n[/TOOL]\nDone.", "python", "print(1)", true},
		{"tool tags any case", "[tool:go]\nfmt.Println(1)\n[/tool]", "go", "fmt.Println(1)", true},
		{"python fence", "Here:\n```python\nprint(2)\n```", "python", "print(2)", true},
		{"py fence", "```py\nprint(3)\n```", "python", "print(3)", true},
		{"prefers language fence", "```text\nignored\n```\n```go\npackage main\n```", "go", "package main", true},
		{"first fence fallback", "```\nprint(4)\n```", "python", "print(4)", true},
		{"raw text", "  print(5)\n", "python", "print(5)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, tagged := ExtractCode(tt.response, tt.language)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.tagged, tagged)
		})
	}
}

func recordingModel(reply string, reqs *[]llm.Request) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, req llm.Request) (string, error) {
		*reqs = append(*reqs, req)
		return reply, nil
	})
}

func TestModelDrafter_Prompts(t *testing.T) {
	var reqs []llm.Request
	d := NewModelDrafter(recordingModel("ok", &reqs))
	ctx := context.Background()

	_, err := d.Draft(ctx, DraftRequest{
		Task:     "sum 1..10",
		Language: "python",
		History:  []llm.Message{llm.User("earlier"), llm.Assistant("the numbers are 1..10")},
		Attempt:  1,
	})
	require.NoError(t, err)
	_, err = d.Draft(ctx, DraftRequest{Task: "sum 1..10", Language: "python", Attempt: 2, PriorCode: "print(sum(x))", Critique: "NameError"})
	require.NoError(t, err)
	_, err = d.Draft(ctx, DraftRequest{Task: "sum 1..10", Language: "go", Attempt: 3, PriorCode: "x", Critique: "undefined", Final: true})
	require.NoError(t, err)
	_, err = d.Analyze(ctx, "sum 1..10", "print(55)", "")
	require.NoError(t, err)

	require.Len(t, reqs, 4)
	assert.Equal(t, llm.TaskCode, reqs[0].Task)
	assert.Contains(t, reqs[0].System, "[TOOL:PYTHON]")
	assert.Contains(t, reqs[0].Messages[0].Content, "[assistant] the numbers are 1..10")
	assert.Contains(t, reqs[0].Messages[0].Content, `Task: "sum 1..10"`)

	assert.Contains(t, reqs[1].System, "Python debugging assistant")
	assert.Contains(t, reqs[1].Messages[0].Content, "```python\nprint(sum(x))\n```")
	assert.Contains(t, reqs[1].Messages[0].Content, "NameError")

	assert.Contains(t, reqs[2].System, "Go debugging assistant")
	assert.Contains(t, reqs[2].Messages[0].Content, "new, different Go program")
	assert.Contains(t, reqs[2].Messages[0].Content, "Original Problem: sum 1..10")

	assert.Equal(t, llm.TaskChat, reqs[3].Task)
	assert.Contains(t, reqs[3].Messages[0].Content, "[No output produced]")
}

// =============================================================================
// SANDBOX RUNNER
// =============================================================================

func fakeSandbox(t *testing.T, fn tools.ExecutorFunc, timeout time.Duration) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(&tools.Tool{
		Name: "sandbox",
		Schema: tools.Schema{Parameters: []tools.Parameter{
			{Name: "code", Type: "string", Required: true},
			{Name: "language", Type: "string"},
		}},
		Timeout:  timeout,
		Executor: fn,
	}))
	return reg
}

func TestSandboxRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		reg := fakeSandbox(t, func(ctx context.Context, p map[string]interface{}) (tools.Result, error) {
			assert.Equal(t, "go", p["language"])
			return tools.Result{Success: true, Stdout: "hi\n", Output: "hi\n"}, nil
		}, 0)
		exec, err := (&SandboxRunner{Invoker: reg}).Run(ctx, "go", "code")
		require.NoError(t, err)
		assert.Equal(t, Execution{Stdout: "hi\n"}, exec)
	})

	t.Run("non-zero exit is an execution", func(t *testing.T) {
		reg := fakeSandbox(t, func(ctx context.Context, p map[string]interface{}) (tools.Result, error) {
			r := tools.Fail(tools.ErrorFatal, "exited with code 1")
			r.Stderr, r.ExitCode = "boom", 1
			return r, nil
		}, 0)
		exec, err := (&SandboxRunner{Invoker: reg}).Run(ctx, "python", "code")
		require.NoError(t, err)
		assert.Equal(t, 1, exec.ExitCode)
		assert.Equal(t, "boom", exec.Stderr)
	})

	t.Run("timeout is an execution", func(t *testing.T) {
		reg := fakeSandbox(t, func(ctx context.Context, p map[string]interface{}) (tools.Result, error) {
			<-ctx.Done()
			return tools.Result{}, ctx.Err()
		}, 20*time.Millisecond)
		exec, err := (&SandboxRunner{Invoker: reg}).Run(ctx, "python", "code")
		require.NoError(t, err)
		assert.True(t, exec.TimedOut)
		assert.Equal(t, -1, exec.ExitCode)
	})

	t.Run("start failure is an error", func(t *testing.T) {
		reg := fakeSandbox(t, func(ctx context.Context, p map[string]interface{}) (tools.Result, error) {
			return tools.Fail(tools.ErrorFatal, "python3 not found"), nil
		}, 0)
		_, err := (&SandboxRunner{Invoker: reg}).Run(ctx, "python", "code")
		assert.Equal(t, tools.ErrorFatal, tools.KindOf(err))
	})

	t.Run("cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		reg := fakeSandbox(t, func(ctx context.Context, p map[string]interface{}) (tools.Result, error) {
			cancel()
			<-ctx.Done()
			return tools.Result{}, ctx.Err()
		}, 0)
		_, err := (&SandboxRunner{Invoker: reg}).Run(cctx, "python", "code")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
