// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/graphite/internal/config"
)

// ErrPromptAborted is returned when the user presses Ctrl+C at a prompt.
var ErrPromptAborted = errors.New("prompt aborted")

// =============================================================================
// LINE EDITING
// =============================================================================

// Prompter reads lines with editing and a persistent history.
type Prompter struct {
	line        *liner.State
	historyFile string
}

// NewPrompter creates a prompter whose history lives in the config dir.
func NewPrompter(name string) *Prompter {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	p := &Prompter{
		line:        line,
		historyFile: filepath.Join(configDir, name+"_history"),
	}
	if f, err := os.Open(p.historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return p
}

// ReadLine reads one line. Ctrl+C returns ErrPromptAborted.
func (p *Prompter) ReadLine(prompt string) (string, error) {
	input, err := p.line.Prompt(prompt)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", ErrPromptAborted
		}
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		p.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (p *Prompter) Close() {
	if err := os.MkdirAll(filepath.Dir(p.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(p.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = p.line.WriteHistory(f)
			f.Close()
		}
	}
	p.line.Close()
}
