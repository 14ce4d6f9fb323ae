// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package repair

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jeranaias/graphite/internal/llm"
)

// =============================================================================
// CODE EXTRACTION
// =============================================================================

var (
	toolTagRegex = regexp.MustCompile(`(?is)\[TOOL:([A-Z]+)\](.*?)\[/TOOL\]`)
	fenceRegex   = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")
)

// ExtractCode pulls the program out of a model response. It accepts
// [TOOL:PYTHON]...[/TOOL] style tags, then fenced blocks (preferring one
// labelled with language), then the raw text. tagged is false for the raw
// text fallback.
func ExtractCode(response, language string) (code string, tagged bool) {
	if m := toolTagRegex.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[2]), true
	}

	fences := fenceRegex.FindAllStringSubmatch(response, -1)
	if len(fences) > 0 {
		for _, f := range fences {
			if strings.EqualFold(f[1], language) || (language == "python" && strings.EqualFold(f[1], "py")) {
				return strings.TrimSpace(f[2]), true
			}
		}
		return strings.TrimSpace(fences[0][2]), true
	}
	return strings.TrimSpace(response), false
}

// =============================================================================
// MODEL DRAFTER
// =============================================================================

// ModelDrafter drafts, repairs and analyzes programs with a language model.
// It implements Drafter and Analyzer.
type ModelDrafter struct {
	model llm.Completer
}

// NewModelDrafter creates a drafter over model.
func NewModelDrafter(model llm.Completer) *ModelDrafter {
	return &ModelDrafter{model: model}
}

// Draft implements Drafter.
func (d *ModelDrafter) Draft(ctx context.Context, req DraftRequest) (string, error) {
	lang := languageName(req.Language)
	if req.Attempt <= 1 || req.PriorCode == "" {
		return d.model.Complete(ctx, llm.Request{
			Task:     llm.TaskCode,
			System:   initialPrompt(lang, req.Language),
			Messages: []llm.Message{llm.User(initialMessage(req))},
		})
	}

	var msg string
	if req.Final {
		msg = fmt.Sprintf(`Original Problem: %s
Previous Code:
%s
Resulting Error:
%s
%s`, req.Task, fence(req.Language, req.PriorCode), fence("", req.Critique), fmt.Sprintf(newApproachPrompt, lang))
	} else {
		msg = fmt.Sprintf(`The following %s code produced an error. Please fix it.

--- Code with Bug ---
%s

--- Error Message ---
%s

Return only the corrected code.`, lang, fence(req.Language, req.PriorCode), fence("", req.Critique))
	}

	return d.model.Complete(ctx, llm.Request{
		Task:     llm.TaskCode,
		System:   fmt.Sprintf(repairPrompt, lang),
		Messages: []llm.Message{llm.User(msg)},
	})
}

// Analyze implements Analyzer.
func (d *ModelDrafter) Analyze(ctx context.Context, task, code, output string) (string, error) {
	if strings.TrimSpace(output) == "" {
		output = "[No output produced]"
	}
	var msg string
	if strings.TrimSpace(task) != "" {
		msg = fmt.Sprintf(`Original Prompt: %q

--- Generated Code ---
%s

--- Code Execution Output ---
%s

Based on all the above, please provide a comprehensive and helpful final answer to my original prompt.`, task, code, output)
	} else {
		msg = fmt.Sprintf(`Please analyze the following code and its execution output.

--- Code ---
%s

--- Execution Output ---
%s`, code, output)
	}
	return d.model.Complete(ctx, llm.Request{
		Task:     llm.TaskChat,
		System:   analysisPrompt,
		Messages: []llm.Message{llm.User(msg)},
	})
}

// =============================================================================
// PROMPTS
// =============================================================================

func initialPrompt(lang, tag string) string {
	tagName := strings.ToUpper(tag)
	if tagName == "" {
		tagName = "PYTHON"
	}
	return fmt.Sprintf(`You are an expert programmer. Your goal is to complete the task below by writing a %[1]s program.
You will be given earlier results for context, followed by the task.

1. The program MUST be self-contained and print its result to standard output.
2. Use only the standard library.
3. Wrap the program in [TOOL:%[2]s] and [/TOOL] tags.
4. If the task needs no computation at all, answer it directly without tags.
5. Do not include any other text outside the tool tags when you write a program.

Example:
[TOOL:%[2]s]
%[3]s
[/TOOL]`, lang, tagName, exampleProgram(tag))
}

func initialMessage(req DraftRequest) string {
	var sb strings.Builder
	if len(req.History) > 0 {
		sb.WriteString("Context:\n")
		for _, m := range req.History {
			fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Task: %q", req.Task)
	return sb.String()
}

const repairPrompt = `You are an expert %s debugging assistant. You will be given a program and the error that occurred when it was executed.
Your task is to analyze the error and fix the code.
You MUST return ONLY the complete, corrected and runnable program.
Do not add explanations, apologies or any text outside the code.`

const newApproachPrompt = `The previous attempts to fix the code have failed. The fundamental approach might be wrong.
Re-evaluate the original problem and the previous error. Provide a new, different %s program to solve it.
Return ONLY the complete, runnable program. Do not include any other text.`

const analysisPrompt = `You are a code analysis assistant. Provide a final, user-facing answer based on the available information.

- If an "Original Prompt" is provided, use everything to answer it directly.
- Otherwise analyze the given code and its output.
- Explain what the code does and how the output relates to it.
- Format your response clearly using markdown.`

func languageName(lang string) string {
	switch strings.ToLower(lang) {
	case "go":
		return "Go"
	default:
		return "Python"
	}
}

func exampleProgram(lang string) string {
	if strings.EqualFold(lang, "go") {
		return "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(15 + 8)\n}"
	}
	return "numbers = [15, 8, 22, 5, 19]\nnumbers.sort(reverse=True)\nprint(numbers)"
}

func fence(lang, body string) string {
	return "```" + lang + "\n" + body + "\n```"
}
