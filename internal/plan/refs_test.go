// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"no refs", nil},
		{"{{step_1.output}}", []string{"step_1.output"}},
		{"a {{ x }} b {{y}} c {{x}}", []string{"x", "y"}},
		{"{{bad key}} {{}} {x}", nil},
		{"{{btc-price}}{{r.v2}}", []string{"btc-price", "r.v2"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, References(tt.in), tt.in)
	}
}

func TestCollectReferences(t *testing.T) {
	params := map[string]interface{}{
		"query": "{{b}} and {{a}}",
		"nested": map[string]interface{}{
			"list": []interface{}{"{{c}}", 3, true},
		},
		"strings": []string{"{{a}}"},
	}
	assert.Equal(t, []string{"a", "b", "c"}, collectReferences(params))
}

func lookupFrom(m map[string]string) func(string) (string, error) {
	return func(key string) (string, error) {
		v, ok := m[key]
		if !ok {
			return "", errors.New("missing " + key)
		}
		return v, nil
	}
}

func TestExpand(t *testing.T) {
	lookup := lookupFrom(map[string]string{"price": "42", "step_1.output": "hello"})

	out, err := Expand("BTC is {{ price }}; {{step_1.output}}!", lookup)
	require.NoError(t, err)
	assert.Equal(t, "BTC is 42; hello!", out)

	_, err = Expand("{{price}} {{nope}}", lookup)
	assert.EqualError(t, err, "missing nope")
}

func TestExpand_ValuesAreNotRescanned(t *testing.T) {
	lookup := lookupFrom(map[string]string{"a": "{{b}}", "b": "boom"})
	out, err := Expand("{{a}}", lookup)
	require.NoError(t, err)
	assert.Equal(t, "{{b}}", out)
}

func TestExpandParams(t *testing.T) {
	lookup := lookupFrom(map[string]string{"k": "v"})
	in := map[string]interface{}{
		"s":    "x={{k}}",
		"n":    5,
		"list": []interface{}{"{{k}}", map[string]interface{}{"deep": "{{k}}"}},
	}
	out, err := ExpandParams(in, lookup)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"s":    "x=v",
		"n":    5,
		"list": []interface{}{"v", map[string]interface{}{"deep": "v"}},
	}, out)
	assert.Equal(t, "x={{k}}", in["s"], "input must not be modified")

	empty, err := ExpandParams(nil, lookup)
	require.NoError(t, err)
	assert.NotNil(t, empty)

	_, err = ExpandParams(map[string]interface{}{"s": "{{missing}}"}, lookup)
	assert.Error(t, err)
}
