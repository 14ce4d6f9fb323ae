// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/graphite/internal/llm"
)

const synthesisPrompt = `You are an expert writing and synthesis assistant.
Your task is to take a set of instructions and a body of text and generate a new text that fulfills the request.
- Analyze the instructions carefully.
- Use the provided text as your source of information.
- Format your response clearly and concisely.
- Your output should be only the final, synthesized text.`

// SynthesizeExecutor combines, summarizes or reformats text with a model.
type SynthesizeExecutor struct {
	model llm.Completer
}

// NewSynthesizeExecutor creates a synthesizer. A nil model makes every
// invocation fail with a Fatal error.
func NewSynthesizeExecutor(model llm.Completer) *SynthesizeExecutor {
	return &SynthesizeExecutor{model: model}
}

// Execute implements ToolExecutor.
func (e *SynthesizeExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	instruction := strings.TrimSpace(getStringParam(params, "instruction", ""))
	if instruction == "" {
		return Fail(ErrorFatal, "instruction is required"), nil
	}
	if e.model == nil {
		return Fail(ErrorFatal, "no language model configured"), nil
	}

	input := instruction
	if source := strings.TrimSpace(getStringParam(params, "source", "")); source != "" {
		input += "\n\n--- Source Text ---\n" + source
	}

	out, err := e.model.Complete(ctx, llm.Request{
		Task:     llm.TaskChat,
		System:   synthesisPrompt,
		Messages: []llm.Message{llm.User(input)},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Output: strings.TrimSpace(out)}, nil
}

// NewSynthesizeTool builds the "synthesize" capability.
func NewSynthesizeTool(model llm.Completer) *Tool {
	return &Tool{
		Name:        "synthesize",
		Description: "Combine, summarize, analyze or reformat text from previous steps following an instruction.",
		Schema: Schema{
			Parameters: []Parameter{
				{Name: "instruction", Type: "string", Required: true, Description: "What to produce"},
				{Name: "source", Type: "string", Description: "Source text, usually {{step_N.output}} references"},
			},
		},
		Timeout:  2 * time.Minute,
		Executor: NewSynthesizeExecutor(model),
	}
}
