// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind classifies a failed invocation for the caller's retry policy.
type ErrorKind int

const (
	// ErrorNone - invocation succeeded
	ErrorNone ErrorKind = iota

	// ErrorTransient - may succeed if retried (timeouts, network, rate limits)
	ErrorTransient

	// ErrorFatal - retrying will not help (schema violation, auth, bad input)
	ErrorFatal

	// ErrorCancelled - the caller cancelled the invocation
	ErrorCancelled
)

// String returns the string representation of an error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "None"
	case ErrorTransient:
		return "Transient"
	case ErrorFatal:
		return "Fatal"
	case ErrorCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool represents an invocable capability.
type Tool struct {
	// Name is the capability identifier used in plans (e.g. "search")
	Name string

	// Description explains what the capability does, shown to the planner
	Description string

	// Schema defines the capability's parameters
	Schema Schema

	// Timeout bounds a single invocation. Zero uses DefaultToolTimeout.
	Timeout time.Duration

	// Executor handles the actual execution
	Executor ToolExecutor
}

// Schema defines a tool's parameters.
type Schema struct {
	Parameters []Parameter
}

// Parameter defines a single tool parameter.
type Parameter struct {
	// Name of the parameter
	Name string

	// Type is the parameter type ("string", "integer", "number", "boolean", "array", "object")
	Type string

	// Required indicates if the parameter must be provided
	Required bool

	// Description explains the parameter
	Description string

	// Default is the value used when the parameter is omitted
	Default interface{}

	// Enum restricts string values
	Enum []string
}

// Param looks up a parameter by name.
func (s Schema) Param(name string) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// =============================================================================
// TOOL EXECUTOR INTERFACE
// =============================================================================

// ToolExecutor is the interface for individual tool execution.
//
// A returned error or a Result with Success false both mean failure. Executors
// set Result.ErrorKind when they know the failure class.
type ToolExecutor interface {
	Execute(ctx context.Context, params map[string]interface{}) (Result, error)
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, params map[string]interface{}) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	return f(ctx, params)
}

// Result holds the outcome of a tool execution.
type Result struct {
	// Success indicates if the tool executed successfully
	Success bool

	// Output is the tool's primary text output
	Output string

	// Error is the error message (for failed execution)
	Error string

	// ErrorKind classifies a failure
	ErrorKind ErrorKind

	// Duration is how long execution took
	Duration time.Duration

	// Truncated indicates output was truncated
	Truncated bool

	// Stdout, Stderr and ExitCode for process-backed capabilities
	Stdout   string
	Stderr   string
	ExitCode int

	// FilePath is set by capabilities that produce a file
	FilePath     string
	BytesWritten int64

	// Structured carries an optional machine-readable payload
	Structured map[string]interface{}
}

// Fail builds a failed result.
func Fail(kind ErrorKind, format string, args ...interface{}) Result {
	return Result{Success: false, ErrorKind: kind, Error: fmt.Sprintf(format, args...)}
}

// =============================================================================
// TOOL REGISTRY
// =============================================================================

var (
	// ErrUnknownCapability is returned for names not in the registry.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrDuplicateCapability is returned when registering a name twice.
	ErrDuplicateCapability = errors.New("capability already registered")
)

// Registry holds all available tools. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" || tool.Executor == nil {
		return errors.New("tool needs a name and an executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	result := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Describe returns the parameter schema of a capability.
func (r *Registry) Describe(name string) (Schema, error) {
	tool := r.Get(name)
	if tool == nil {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return tool.Schema, nil
}

// =============================================================================
// MANIFEST
// =============================================================================

// ManifestEntry describes one capability to the plan compiler and planner.
type ManifestEntry struct {
	Name        string
	Description string
	Schema      Schema
}

// Manifest lists the capabilities available for planning.
type Manifest []ManifestEntry

// Manifest returns the registry's capabilities sorted by name.
func (r *Registry) Manifest() Manifest {
	all := r.All()
	m := make(Manifest, 0, len(all))
	for _, t := range all {
		m = append(m, ManifestEntry{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	return m
}

// Lookup finds an entry by name.
func (m Manifest) Lookup(name string) (ManifestEntry, bool) {
	for _, e := range m {
		if e.Name == name {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// Names returns the capability names in order.
func (m Manifest) Names() []string {
	names := make([]string, len(m))
	for i, e := range m {
		names[i] = e.Name
	}
	return names
}

// String renders the manifest for a planning prompt.
func (m Manifest) String() string {
	var sb strings.Builder
	for _, e := range m {
		sb.WriteString("- ")
		sb.WriteString(e.Name)
		sb.WriteString(": ")
		sb.WriteString(firstLine(e.Description))
		sb.WriteString("\n")
		for _, p := range e.Schema.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "    %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return sb.String()
}

func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx != -1 {
		return s[:idx]
	}
	return s
}
