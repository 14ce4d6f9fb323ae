// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for a local Ollama server.
//
// Only the non-streaming chat endpoint and the model listing are used: plan
// steps need complete responses, never partial tokens.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama API
//   - ClientError: typed failure with a retryable classification
//   - Message: chat message with role and content
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	resp, err := client.Chat(ctx, "qwen2.5-coder:14b", []ollama.Message{
//	    ollama.NewSystemMessage("You are a planner."),
//	    ollama.NewUserMessage(goal),
//	}, nil)
package ollama
