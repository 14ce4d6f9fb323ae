// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/graphite/internal/util"
)

// ErrPathEscapes is returned for write targets outside the output directory.
var ErrPathEscapes = errors.New("path escapes output directory")

// sensitiveFilePatterns are names a plan may never write, even inside the
// output directory.
var sensitiveFilePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"id_rsa",
	"id_ed25519",
	"credentials",
	"credentials.json",
	"secrets.json",
	"secrets.yaml",
	".netrc",
	".npmrc",
	".pypirc",
}

// =============================================================================
// FILE EXECUTOR
// =============================================================================

// FileConfig configures the file output capability.
type FileConfig struct {
	// OutputDir confines every write (default "graphite-output")
	OutputDir string

	// MaxFileSize is the largest file accepted (default 10MB)
	MaxFileSize int64
}

// FileExecutor writes plan artifacts under a single output directory.
type FileExecutor struct {
	cfg FileConfig
}

// NewFileExecutor fills defaults.
func NewFileExecutor(cfg FileConfig) *FileExecutor {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "graphite-output"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	return &FileExecutor{cfg: cfg}
}

// OutputDir returns the confinement directory.
func (e *FileExecutor) OutputDir() string {
	return e.cfg.OutputDir
}

// Execute writes content to path, relative to the output directory.
func (e *FileExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	rel := getStringParam(params, "path", "")
	content, _ := params["content"].(string)
	if rel == "" {
		return Fail(ErrorFatal, "path is required"), nil
	}
	if int64(len(content)) > e.cfg.MaxFileSize {
		return Fail(ErrorFatal, "content exceeds maximum file size (%d bytes)", e.cfg.MaxFileSize), nil
	}

	target, err := e.resolve(rel)
	if err != nil {
		return Fail(ErrorFatal, "security: %v", err), nil
	}
	if isSensitiveFile(target) {
		return Fail(ErrorFatal, "security: cannot write to sensitive file %q", filepath.Base(target)), nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if err := util.AtomicWriteFileWithDir(target, []byte(content), 0644, 0755); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", rel, err)
	}

	return Result{
		Success:      true,
		Output:       fmt.Sprintf("Wrote %d bytes to %s", len(content), target),
		FilePath:     target,
		BytesWritten: int64(len(content)),
	}, nil
}

// resolve maps rel onto the output directory, following symlinks in the
// existing part of the path so a link cannot point the write elsewhere.
func (e *FileExecutor) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscapes, rel)
	}
	root, err := filepath.Abs(e.cfg.OutputDir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(root, filepath.Clean(rel))
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}

	realRoot := evalExisting(root)
	realTarget := evalExisting(target)
	if !within(realRoot, realTarget) {
		return "", fmt.Errorf("%w: %s resolves outside", ErrPathEscapes, rel)
	}
	return target, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path.
func evalExisting(path string) string {
	rest := ""
	p := path
	for {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path
		}
		rest = filepath.Join(filepath.Base(p), rest)
		p = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func isSensitiveFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, pattern := range sensitiveFilePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// NewFileTool builds the "file" capability.
func NewFileTool(cfg FileConfig) *Tool {
	return &Tool{
		Name:        "file",
		Description: "Write text content to a file in the output directory.",
		Schema: Schema{
			Parameters: []Parameter{
				{Name: "path", Type: "string", Required: true, Description: "File path relative to the output directory"},
				{Name: "content", Type: "string", Required: true, Description: "Content to write"},
			},
		},
		Executor: NewFileExecutor(cfg),
	}
}
