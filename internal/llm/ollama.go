// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"

	"github.com/jeranaias/graphite/internal/ollama"
)

// OllamaProvider completes requests against a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
}

// NewOllamaProvider wraps an ollama client.
func NewOllamaProvider(client *ollama.Client) *OllamaProvider {
	return &OllamaProvider{client: client}
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Complete implements Provider.
func (p *OllamaProvider) Complete(ctx context.Context, model string, req Request) (string, error) {
	messages := make([]ollama.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollama.NewSystemMessage(req.System))
	}
	for _, m := range req.Messages {
		messages = append(messages, ollama.Message{Role: string(m.Role), Content: m.Content})
	}
	var opts *ollama.Options
	if req.Temperature != 0 {
		opts = &ollama.Options{Temperature: req.Temperature}
	}

	resp, err := p.client.Chat(ctx, model, messages, opts)
	if err != nil {
		kind := KindFatal
		var ce *ollama.ClientError
		if errors.As(err, &ce) && ce.Retryable() {
			kind = KindTransient
		}
		return "", wrap(p.Name(), model, err, kind)
	}
	return resp.Message.Content, nil
}
