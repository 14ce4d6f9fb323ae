// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm is the language-model completion capability: prompt in,
// completion out.
//
// Callers depend on the Completer interface. The Router implements it by
// mapping each Task to a provider and model, so planning can use a large
// model while page validation uses a small one.
//
// # Key Types
//
//   - Completer: the single completion contract
//   - Request: task, system instructions, and conversation messages
//   - Router: task-based routing across providers
//   - Error: provider failure classified as transient or fatal
//
// # Providers
//
//   - Ollama: local models through the ollama package
//   - OpenAI: any OpenAI-compatible server via go-openai
//   - Gemini: Google Gemini via google.golang.org/genai
//
// # Usage
//
//	router := llm.NewRouter(llm.Route{Provider: "ollama", Model: "qwen2.5-coder:14b"}, logger)
//	router.AddProvider(llm.NewOllamaProvider(client))
//	router.SetRoute(llm.TaskWebValidate, llm.Route{Provider: "ollama", Model: "qwen2.5:3b"})
//	text, err := router.Complete(ctx, llm.Request{Task: llm.TaskPlan, Messages: msgs})
package llm
