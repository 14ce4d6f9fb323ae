// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/tools"
)

// DefaultMaxSteps bounds planner output.
const DefaultMaxSteps = 7

// ErrEmptyGoal is returned when Generate is called without a goal.
var ErrEmptyGoal = errors.New("goal is empty")

// =============================================================================
// PLAN GENERATOR
// =============================================================================

// Generator turns a goal into a plan Spec using a language model. The output
// is untrusted until it passes Compile.
type Generator struct {
	model    llm.Completer
	manifest tools.Manifest
	maxSteps int
	logger   *zap.Logger
}

// NewGenerator creates a planner. maxSteps <= 0 uses DefaultMaxSteps.
func NewGenerator(model llm.Completer, manifest tools.Manifest, maxSteps int, logger *zap.Logger) *Generator {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{model: model, manifest: manifest, maxSteps: maxSteps, logger: logger}
}

// Generate asks the model for a plan. history carries earlier conversation
// turns for context and may be empty.
func (g *Generator) Generate(ctx context.Context, goal string, history ...llm.Message) (Spec, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Spec{}, ErrEmptyGoal
	}
	if g.model == nil {
		return Spec{}, fmt.Errorf("LLM client not configured")
	}

	var hist strings.Builder
	for _, m := range history {
		fmt.Fprintf(&hist, "%s: %s\n", m.Role, m.Content)
	}

	response, err := g.model.Complete(ctx, llm.Request{
		Task:   llm.TaskPlan,
		System: g.buildPrompt(),
		Messages: []llm.Message{llm.User(fmt.Sprintf(
			"--- Conversation History (for context) ---\n%s\n--- User's High-Level Goal ---\n%s", hist.String(), goal))},
	})
	if err != nil {
		return Spec{}, fmt.Errorf("failed to generate plan: %w", err)
	}

	spec, err := g.parsePlanResponse(response)
	if err != nil {
		g.logger.Debug("planner response rejected", zap.Error(err), zap.Int("bytes", len(response)))
		return Spec{}, fmt.Errorf("failed to parse plan: %w", err)
	}
	spec.Goal = goal
	g.logger.Info("plan generated", zap.Int("steps", len(spec.Steps)))
	return spec, nil
}

// buildPrompt lists the planner vocabulary and the capability manifest.
func (g *Generator) buildPrompt() string {
	return fmt.Sprintf(`You are an expert planner for an agentic workflow system. Turn the user's high-level goal into the most efficient plan possible, as a JSON array.

CRITICAL RULES:
1. MAXIMUM %d STEPS. This is a hard limit.
2. THINK HIGH-LEVEL. Combine small actions into one logical step.
3. Give one query per research step. Split separate topics into separate steps.
4. Refer to earlier results with {{step_N.output}} or {{output_key}} and list those steps in depends_on.

Tools:
- "Web Researcher": search the web, read the top pages and summarize them. input: a single query.
- "Search": quick web search returning titles, links and snippets. input: a query.
- "Py-Coder": write and run Python code for calculation or data processing. input: the task.
- "Memory Bank": with output_key, save input under that key; without, load the key named by input.
- "Synthesizer": combine, summarize or reformat text. input: instruction plus source text.
- "File Writer": write a file. input: {"path": "...", "content": "..."}.

Registered capabilities:
%s
Each step has the form:
{"step": 1, "task": "...", "tool": "...", "input": "...", "output_key": "optional_key", "depends_on": [1]}

EXAMPLE:
[
  {"step": 1, "task": "Research OpenAI's main competitors.", "tool": "Web Researcher", "input": "main competitors of OpenAI and their flagship products"},
  {"step": 2, "task": "Save the findings.", "tool": "Memory Bank", "input": "{{step_1.output}}", "output_key": "competitor_research", "depends_on": [1]},
  {"step": 3, "task": "Write a comparison.", "tool": "Synthesizer", "input": "Write a report comparing the competitors. Text: {{competitor_research}}", "depends_on": [2]}
]

Your output MUST be ONLY the raw JSON array.`, g.maxSteps, g.manifest.String())
}

// plannerStep is one element of the planner's JSON array.
type plannerStep struct {
	Step      json.RawMessage   `json:"step"`
	Task      string            `json:"task"`
	Tool      string            `json:"tool"`
	Input     json.RawMessage   `json:"input"`
	OutputKey string            `json:"output_key"`
	DependsOn []json.RawMessage `json:"depends_on"`
}

// parsePlanResponse extracts and converts the JSON array.
func (g *Generator) parsePlanResponse(response string) (Spec, error) {
	const maxResponseSize = 1024 * 1024 // 1MB limit
	if len(response) > maxResponseSize {
		return Spec{}, fmt.Errorf("response too large: %d bytes (max: %d)", len(response), maxResponseSize)
	}

	text := cleanPlanResponse(response)
	var raw []plannerStep
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Spec{}, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if len(raw) == 0 {
		return Spec{}, fmt.Errorf("plan must have at least 1 step")
	}
	if len(raw) > g.maxSteps {
		return Spec{}, ValidationErrors{{
			Code:    CodeTooManySteps,
			Field:   "steps",
			Message: fmt.Sprintf("planner returned %d steps (max: %d)", len(raw), g.maxSteps),
		}}
	}

	spec := Spec{Steps: make([]StepSpec, 0, len(raw))}
	for i, r := range raw {
		num := rawID(r.Step)
		if num == "" {
			num = strconv.Itoa(i + 1)
		}
		ss, err := convertPlannerStep(r, "step_"+num)
		if err != nil {
			return Spec{}, fmt.Errorf("step %s: %w", num, err)
		}
		spec.Steps = append(spec.Steps, ss)
	}
	return spec, nil
}

// cleanPlanResponse strips code fences and cuts to the outermost array.
func cleanPlanResponse(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return text
}

// rawID reads a step number written as a JSON number or string.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return strings.TrimPrefix(s, "step_")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// convertPlannerStep maps planner vocabulary onto step kinds.
func convertPlannerStep(r plannerStep, id string) (StepSpec, error) {
	ss := StepSpec{ID: id, Task: r.Task, OutputKey: strings.TrimSpace(r.OutputKey)}
	for _, d := range r.DependsOn {
		if dep := rawID(d); dep != "" {
			ss.DependsOn = append(ss.DependsOn, "step_"+dep)
		}
	}

	var input string
	var object map[string]interface{}
	if len(r.Input) > 0 {
		if err := json.Unmarshal(r.Input, &input); err != nil {
			if err := json.Unmarshal(r.Input, &object); err != nil {
				return StepSpec{}, fmt.Errorf("input must be a string or an object")
			}
		}
	}

	tool := strings.ToLower(strings.TrimSpace(r.Tool))
	switch tool {
	case "web researcher", "web_research", "research":
		ss.Kind = KindResearch
		ss.Params = map[string]interface{}{"query": input}
	case "search":
		ss.Kind = KindSearch
		ss.Params = map[string]interface{}{"query": input}
	case "py-coder", "pycoder", "codegen", "coder":
		ss.Kind = KindCodegen
		ss.Params = map[string]interface{}{"task": input, "language": tools.LanguagePython}
	case "memory bank", "memory":
		ss.Kind = KindMemory
		if ss.OutputKey != "" {
			ss.Params = map[string]interface{}{"action": MemorySave, "key": ss.OutputKey, "input": input}
			ss.OutputKey = ""
		} else {
			ss.Params = map[string]interface{}{"action": MemoryLoad, "key": strings.Trim(strings.TrimSpace(input), "{}")}
		}
	case "synthesizer", "synthesize":
		ss.Kind = KindSynthesize
		ss.Params = map[string]interface{}{"instruction": input}
	case "file writer", "file":
		ss.Kind = KindFile
		ss.Params = object
	case "sandbox":
		ss.Kind = KindSandbox
		ss.Params = map[string]interface{}{"code": input}
	case "":
		return StepSpec{}, fmt.Errorf("tool is required")
	default:
		ss.Kind = KindTool
		params := object
		if params == nil {
			params = map[string]interface{}{"input": input}
		}
		ss.Params = map[string]interface{}{"capability": r.Tool, "params": params}
	}
	return ss, nil
}
