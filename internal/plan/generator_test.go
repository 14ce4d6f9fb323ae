// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/llm"
)

func fixedModel(reply string, captured *llm.Request) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, req llm.Request) (string, error) {
		if captured != nil {
			*captured = req
		}
		return reply, nil
	})
}

const plannerReply = "```json\n" + `[
  {"step": 1, "task": "Research competitors.", "tool": "Web Researcher", "input": "main competitors of OpenAI"},
  {"step": 2, "task": "Save the findings.", "tool": "Memory Bank", "input": "{{step_1.output}}", "output_key": "competitor_research", "depends_on": [1]},
  {"step": "3", "task": "Compute growth.", "tool": "Py-Coder", "input": "compute growth from {{competitor_research}}", "depends_on": ["2"]},
  {"step": 4, "task": "Write report.", "tool": "Synthesizer", "input": "Write a report. Text: {{competitor_research}} {{step_3.output}}", "depends_on": [2, 3]},
  {"step": 5, "task": "Save report.", "tool": "File Writer", "input": {"path": "report.md", "content": "{{step_4.output}}"}, "depends_on": [4]}
]` + "\n```"

func TestGenerate_ConvertsPlannerVocabulary(t *testing.T) {
	var req llm.Request
	g := NewGenerator(fixedModel(plannerReply, &req), testManifest(t), 0, nil)

	spec, err := g.Generate(context.Background(), "  Compare OpenAI competitors  ", llm.User("earlier question"))
	require.NoError(t, err)
	assert.Equal(t, "Compare OpenAI competitors", spec.Goal)
	assert.Equal(t, llm.TaskPlan, req.Task)
	assert.Contains(t, req.System, "MAXIMUM 7 STEPS")
	assert.Contains(t, req.System, "web_research")
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "earlier question")

	require.Len(t, spec.Steps, 5)
	kinds := make([]Kind, len(spec.Steps))
	for i, s := range spec.Steps {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []Kind{KindResearch, KindMemory, KindCodegen, KindSynthesize, KindFile}, kinds)

	save := spec.Steps[1]
	assert.Equal(t, "step_2", save.ID)
	assert.Empty(t, save.OutputKey)
	assert.Equal(t, map[string]interface{}{"action": MemorySave, "key": "competitor_research", "input": "{{step_1.output}}"}, save.Params)
	assert.Equal(t, []string{"step_2"}, spec.Steps[2].DependsOn)

	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{InferDependencies: true}))
	require.NoError(t, err)
	assert.Equal(t, "step_5", p.Steps[len(p.Steps)-1].ID)
}

func TestGenerate_MemoryLoad(t *testing.T) {
	reply := `[{"step": 1, "task": "Recall.", "tool": "Memory Bank", "input": "{{notes}}"}]`
	spec, err := NewGenerator(fixedModel(reply, nil), nil, 0, nil).Generate(context.Background(), "recall")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"action": MemoryLoad, "key": "notes"}, spec.Steps[0].Params)
}

func TestGenerate_UnknownToolBecomesCapability(t *testing.T) {
	reply := `Here you go: [{"step": 1, "task": "x", "tool": "weather", "input": "Paris"}] Done.`
	spec, err := NewGenerator(fixedModel(reply, nil), nil, 0, nil).Generate(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, KindTool, spec.Steps[0].Kind)
	assert.Equal(t, map[string]interface{}{
		"capability": "weather",
		"params":     map[string]interface{}{"input": "Paris"},
	}, spec.Steps[0].Params)
}

func TestGenerate_Rejections(t *testing.T) {
	ctx := context.Background()

	_, err := NewGenerator(fixedModel("[]", nil), nil, 0, nil).Generate(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyGoal)

	_, err = NewGenerator(nil, nil, 0, nil).Generate(ctx, "goal")
	assert.Error(t, err)

	_, err = NewGenerator(fixedModel("not json", nil), nil, 0, nil).Generate(ctx, "goal")
	assert.ErrorContains(t, err, "failed to parse plan")

	_, err = NewGenerator(fixedModel("[]", nil), nil, 0, nil).Generate(ctx, "goal")
	assert.ErrorContains(t, err, "at least 1 step")

	_, err = NewGenerator(fixedModel(`[{"step": 1, "input": "x"}]`, nil), nil, 0, nil).Generate(ctx, "goal")
	assert.ErrorContains(t, err, "tool is required")

	three := `[{"step":1,"tool":"Search","input":"a"},{"step":2,"tool":"Search","input":"b"},{"step":3,"tool":"Search","input":"c"}]`
	_, err = NewGenerator(fixedModel(three, nil), nil, 2, nil).Generate(ctx, "goal")
	assert.ErrorIs(t, err, ErrTooManySteps)

	boom := errors.New("model down")
	failing := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) { return "", boom })
	_, err = NewGenerator(failing, nil, 0, nil).Generate(ctx, "goal")
	assert.ErrorIs(t, err, boom)
}
