// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// STEP KINDS
// =============================================================================

// Kind is the tag of a step's parameter union.
type Kind string

const (
	KindSearch     Kind = "search"
	KindResearch   Kind = "research"
	KindSandbox    Kind = "sandbox"
	KindCodegen    Kind = "codegen"
	KindFile       Kind = "file"
	KindSynthesize Kind = "synthesize"
	KindMemory     Kind = "memory"
	KindSubplan    Kind = "subplan"
	KindTool       Kind = "tool"
)

// Kinds lists every step kind.
func Kinds() []Kind {
	return []Kind{KindSearch, KindResearch, KindSandbox, KindCodegen, KindFile, KindSynthesize, KindMemory, KindSubplan, KindTool}
}

// =============================================================================
// PLAN FILE FORMAT
// =============================================================================

// Spec is an uncompiled plan as written in a plan file or produced by the
// planner.
type Spec struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty"`
	Goal        string     `json:"goal" yaml:"goal"`
	Parallelism int        `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	Steps       []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec is one uncompiled step. Params holds the kind-specific block.
type StepSpec struct {
	ID        string                 `json:"id" yaml:"id"`
	Kind      Kind                   `json:"kind" yaml:"kind"`
	Task      string                 `json:"task,omitempty" yaml:"task,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OutputKey string                 `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Retries   *int                   `json:"retries,omitempty" yaml:"retries,omitempty"`
	Timeout   string                 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// =============================================================================
// PARAMETER BLOCKS
// =============================================================================

// SearchParams binds the search capability.
type SearchParams struct {
	Query      string `json:"query" validate:"required"`
	MaxResults int    `json:"max_results,omitempty" validate:"omitempty,min=1,max=10"`
}

// ResearchParams binds the web_research capability.
type ResearchParams struct {
	Query    string `json:"query" validate:"required"`
	MaxPages int    `json:"max_pages,omitempty" validate:"omitempty,min=1,max=10"`
}

// SandboxParams binds the sandbox capability.
type SandboxParams struct {
	Language string `json:"language,omitempty" validate:"omitempty,oneof=python go"`
	Code     string `json:"code" validate:"required"`
	Stdin    string `json:"stdin,omitempty"`
}

// CodegenParams configures a repair loop.
type CodegenParams struct {
	Task        string `json:"task" validate:"required"`
	Language    string `json:"language,omitempty" validate:"omitempty,oneof=python go"`
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
	Analyze     *bool  `json:"analyze,omitempty"`
}

// FileParams binds the file capability.
type FileParams struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// SynthesizeParams binds the synthesize capability.
type SynthesizeParams struct {
	Instruction string `json:"instruction" validate:"required"`
	Source      string `json:"source,omitempty"`
}

// Memory actions.
const (
	MemorySave = "save"
	MemoryLoad = "load"
)

// MemoryParams saves text under a key or loads a key.
type MemoryParams struct {
	Action string `json:"action" validate:"required,oneof=save load"`
	Key    string `json:"key" validate:"required"`
	Input  string `json:"input,omitempty" validate:"required_if=Action save"`
}

// SubplanParams runs nested steps in a child Memory Bank scope.
type SubplanParams struct {
	Steps       []StepSpec `json:"steps" validate:"required,min=1"`
	Imports     []string   `json:"imports,omitempty"`
	Exports     []string   `json:"exports,omitempty"`
	Parallelism int        `json:"parallelism,omitempty" validate:"omitempty,min=1"`
}

// ToolParams binds any registered capability by name.
type ToolParams struct {
	Capability string                 `json:"capability" validate:"required"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// =============================================================================
// LOADING AND SAVING
// =============================================================================

// Format is a plan file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned for plan files with an unrecognized extension.
var ErrUnknownFormat = errors.New("unknown plan file format")

const maxPlanFileSize = 1024 * 1024

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Load reads a plan file.
func Load(path string) (Spec, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Spec{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Spec{}, err
	}
	if info.Size() > maxPlanFileSize {
		return Spec{}, fmt.Errorf("plan file too large: %d bytes (max: %d)", info.Size(), maxPlanFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}
	spec, err := Parse(data, format)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes a plan. Unknown top-level and step fields are rejected.
func Parse(data []byte, format Format) (Spec, error) {
	var spec Spec
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return Spec{}, fmt.Errorf("parse plan JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return Spec{}, fmt.Errorf("parse plan YAML: %w", err)
		}
	default:
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	return spec, nil
}

// Marshal encodes a plan.
func Marshal(spec Spec, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(spec, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(spec); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
}

// Save writes a plan file atomically, choosing the format from the extension.
func Save(path string, spec Spec) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := Marshal(spec, format)
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0644)
}
