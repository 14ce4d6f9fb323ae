// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/llm"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo the message\nsecond line",
		Schema: Schema{Parameters: []Parameter{
			{Name: "message", Type: "string", Required: true},
			{Name: "times", Type: "integer", Default: 1},
		}},
		Executor: ExecutorFunc(func(ctx context.Context, params map[string]interface{}) (Result, error) {
			msg := getStringParam(params, "message", "")
			n := getIntParam(params, "times", 0)
			out := ""
			for i := 0; i < n; i++ {
				out += msg
			}
			return Result{Success: true, Output: out}, nil
		}),
	}
}

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestRegistry_RegisterAndManifest(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoTool("zeta")))
	require.NoError(t, reg.Register(echoTool("alpha")))

	err := reg.Register(echoTool("alpha"))
	assert.ErrorIs(t, err, ErrDuplicateCapability)
	assert.Error(t, reg.Register(&Tool{Name: "no-executor"}))

	m := reg.Manifest()
	assert.Equal(t, []string{"alpha", "zeta"}, m.Names())
	entry, ok := m.Lookup("zeta")
	require.True(t, ok)
	assert.Equal(t, "zeta", entry.Name)
	assert.Contains(t, m.String(), "- alpha: echo the message\n")
	assert.NotContains(t, m.String(), "second line")
	assert.Contains(t, m.String(), "message (string, required)")

	schema, err := reg.Describe("alpha")
	require.NoError(t, err)
	assert.Len(t, schema.Parameters, 2)

	_, err = reg.Describe("missing")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

// =============================================================================
// INVOKE TESTS
// =============================================================================

func TestInvoke_AppliesDefaults(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoTool("echo")))

	res, err := reg.Invoke(context.Background(), "echo", map[string]interface{}{"message": "hi"}, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Output)
	assert.Equal(t, ErrorNone, res.ErrorKind)

	res, err = reg.Invoke(context.Background(), "echo", map[string]interface{}{"message": "ab", "times": 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ababab", res.Output)
}

func TestInvoke_UnknownCapabilityIsFatal(t *testing.T) {
	reg := NewRegistry(nil)
	res, err := reg.Invoke(context.Background(), "nope", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCapability)
	assert.Equal(t, ErrorFatal, KindOf(err))
	assert.False(t, res.Success)
}

func TestInvoke_SchemaMismatchIsFatal(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoTool("echo")))

	_, err := reg.Invoke(context.Background(), "echo", map[string]interface{}{"times": 2}, 0)
	require.Error(t, err)
	assert.Equal(t, ErrorFatal, KindOf(err))

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "message", ve.Param)
}

func TestInvoke_TimeoutIsTransient(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&Tool{
		Name: "slow",
		Executor: ExecutorFunc(func(ctx context.Context, _ map[string]interface{}) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}),
	}))

	start := time.Now()
	res, err := reg.Invoke(context.Background(), "slow", nil, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ErrorTransient, KindOf(err))
	assert.Equal(t, ErrorTransient, res.ErrorKind)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvoke_ToolTimeoutUsedWhenCallerPassesZero(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&Tool{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Executor: ExecutorFunc(func(ctx context.Context, _ map[string]interface{}) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}),
	}))

	_, err := reg.Invoke(context.Background(), "slow", nil, 0)
	assert.Equal(t, ErrorTransient, KindOf(err))
}

func TestInvoke_ParentCancelIsCancelled(t *testing.T) {
	reg := NewRegistry(nil)
	started := make(chan struct{})
	require.NoError(t, reg.Register(&Tool{
		Name: "block",
		Executor: ExecutorFunc(func(ctx context.Context, _ map[string]interface{}) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		}),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := reg.Invoke(ctx, "block", nil, time.Minute)
	require.Error(t, err)
	assert.Equal(t, ErrorCancelled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvoke_PanicIsFatal(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&Tool{
		Name: "boom",
		Executor: ExecutorFunc(func(context.Context, map[string]interface{}) (Result, error) {
			panic("kaboom")
		}),
	}))

	res, err := reg.Invoke(context.Background(), "boom", nil, 0)
	require.Error(t, err)
	assert.Equal(t, ErrorFatal, KindOf(err))
	assert.Contains(t, res.Error, "kaboom")
}

func TestInvoke_Classification(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		err  error
		want ErrorKind
	}{
		{"reported transient", Fail(ErrorTransient, "rate limited"), nil, ErrorTransient},
		{"reported fatal", Fail(ErrorFatal, "bad input"), nil, ErrorFatal},
		{"unclassified failure", Result{Success: false}, nil, ErrorFatal},
		{"plain error", Result{}, errors.New("nope"), ErrorFatal},
		{"transient model error", Result{}, &llm.Error{Provider: "ollama", Kind: llm.KindTransient, Err: errors.New("503")}, ErrorTransient},
		{"fatal model error", Result{}, &llm.Error{Provider: "ollama", Kind: llm.KindFatal, Err: errors.New("401")}, ErrorFatal},
		{"invocation error", Result{}, &InvocationError{Capability: "x", Kind: ErrorTransient, Err: errors.New("429")}, ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(nil)
			require.NoError(t, reg.Register(&Tool{
				Name: "t",
				Executor: ExecutorFunc(func(context.Context, map[string]interface{}) (Result, error) {
					return tt.res, tt.err
				}),
			}))
			res, err := reg.Invoke(context.Background(), "t", nil, 0)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.Equal(t, tt.want, res.ErrorKind)
			assert.False(t, res.Success)
		})
	}
}

// =============================================================================
// ARGUMENT VALIDATION TESTS
// =============================================================================

func TestValidateToolArgs(t *testing.T) {
	schema := &Schema{Parameters: []Parameter{
		{Name: "query", Type: "string", Required: true},
		{Name: "count", Type: "integer"},
		{Name: "ratio", Type: "number"},
		{Name: "flag", Type: "boolean"},
		{Name: "items", Type: "array"},
		{Name: "opts", Type: "object"},
		{Name: "lang", Type: "string", Enum: []string{"python", "go"}},
	}}

	tests := []struct {
		name      string
		args      map[string]interface{}
		wantParam string
	}{
		{"valid minimal", map[string]interface{}{"query": "x"}, ""},
		{"valid full", map[string]interface{}{
			"query": "x", "count": 3, "ratio": 0.5, "flag": true,
			"items": []interface{}{"a"}, "opts": map[string]interface{}{}, "lang": "go",
		}, ""},
		{"json integer as float", map[string]interface{}{"query": "x", "count": float64(4)}, ""},
		{"missing required", map[string]interface{}{}, "query"},
		{"nil required", map[string]interface{}{"query": nil}, "query"},
		{"wrong string", map[string]interface{}{"query": 5}, "query"},
		{"fractional integer", map[string]interface{}{"query": "x", "count": 1.5}, "count"},
		{"wrong bool", map[string]interface{}{"query": "x", "flag": "yes"}, "flag"},
		{"wrong array", map[string]interface{}{"query": "x", "items": "a"}, "items"},
		{"wrong object", map[string]interface{}{"query": "x", "opts": []string{}}, "opts"},
		{"enum violation", map[string]interface{}{"query": "x", "lang": "ruby"}, "lang"},
		{"out of bounds", map[string]interface{}{"query": "x", "ratio": 1e16}, "ratio"},
		{"unknown param", map[string]interface{}{"query": "x", "extra": 1}, "extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateToolArgs(schema, tt.args)
			if tt.wantParam == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantParam, ve.Param)
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorNone, KindOf(nil))
	assert.Equal(t, ErrorCancelled, KindOf(context.Canceled))
	assert.Equal(t, ErrorFatal, KindOf(errors.New("x")))
	assert.Equal(t, "Transient", ErrorTransient.String())
}
