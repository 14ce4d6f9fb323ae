// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"strings"
)

// =============================================================================
// TASKS
// =============================================================================

// Task names what a completion is used for. Routes are keyed by task.
type Task string

const (
	// TaskPlan - goal to plan JSON
	TaskPlan Task = "plan"

	// TaskChat - general purpose, also the routing fallback
	TaskChat Task = "chat"

	// TaskCode - code drafting and critique in the repair loop
	TaskCode Task = "code"

	// TaskWebValidate - SAFE/UNSAFE screening of fetched pages
	TaskWebValidate Task = "web_validate"

	// TaskWebSummarize - summary of validated pages
	TaskWebSummarize Task = "web_summarize"

	// TaskTitle - short titles for sessions
	TaskTitle Task = "title"
)

// Tasks lists every known task in a stable order.
func Tasks() []Task {
	return []Task{TaskPlan, TaskChat, TaskCode, TaskWebValidate, TaskWebSummarize, TaskTitle}
}

// =============================================================================
// REQUEST
// =============================================================================

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Request is a single completion request.
type Request struct {
	Task     Task
	System   string
	Messages []Message

	// Temperature is passed through when non-zero.
	Temperature float64
}

// Prompt flattens the request into one block of text, for logging and for
// providers without a chat endpoint.
func (r Request) Prompt() string {
	var sb strings.Builder
	if r.System != "" {
		sb.WriteString(r.System)
		sb.WriteString("\n\n")
	}
	for i, m := range r.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// =============================================================================
// CONTRACTS
// =============================================================================

// Completer produces a completion for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Provider is one model backend. Implementations return *Error for failures
// they can classify.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model string, req Request) (string, error)
}
