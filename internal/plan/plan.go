// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"time"
)

// OutputKey returns the Memory Bank key every succeeded step writes.
func OutputKey(stepID string) string {
	return stepID + ".output"
}

// =============================================================================
// STEP
// =============================================================================

// Step is one validated unit of work. Steps are immutable once compiled.
type Step struct {
	ID   string
	Kind Kind
	Task string

	// DependsOn holds declared and inferred dependencies, sorted.
	DependsOn []string

	// OutputKey is the optional extra key the result is committed under.
	OutputKey string

	// Capability and Params are the invocation binding for capability-backed
	// kinds. String params may contain {{key}} references.
	Capability string
	Params     map[string]interface{}

	// Reads lists the Memory Bank keys this step references. Writes lists the
	// keys it commits on success.
	Reads  []string
	Writes []string

	// Retries overrides the engine's transient retry budget when non-nil.
	Retries *int

	// Timeout overrides the capability timeout when non-zero.
	Timeout time.Duration

	Codegen *CodegenParams
	Memory  *MemoryParams
	Subplan *Subplan
}

// Label is the human-readable description used for output nodes.
func (s *Step) Label() string {
	if s.Task != "" {
		return s.Task
	}
	return string(s.Kind) + " " + s.ID
}

// Subplan is a compiled nested plan with its scope boundary.
type Subplan struct {
	Plan    *Plan
	Imports []string
	Exports []string
}

// =============================================================================
// PLAN
// =============================================================================

// Plan is a validated, acyclic set of steps. It is immutable after Compile;
// re-planning produces a new Plan.
type Plan struct {
	ID          string
	Goal        string
	Parallelism int
	CreatedAt   time.Time

	// Steps are in a topological order: every step follows its dependencies.
	Steps []*Step

	index      map[string]*Step
	dependents map[string][]string
}

// Step returns a step by id, or nil.
func (p *Plan) Step(id string) *Step {
	return p.index[id]
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.Steps)
}

// Dependents returns the ids of steps that directly depend on id.
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

// Transitive returns every step that directly or indirectly depends on id,
// in plan order.
func (p *Plan) Transitive(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, d := range p.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, s := range p.Steps {
		if seen[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Writer returns the id of the step that writes key, if any.
func (p *Plan) Writer(key string) (string, bool) {
	for _, s := range p.Steps {
		for _, w := range s.Writes {
			if w == key {
				return s.ID, true
			}
		}
	}
	return "", false
}

// Roots returns the steps with no dependencies.
func (p *Plan) Roots() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if len(s.DependsOn) == 0 {
			out = append(out, s)
		}
	}
	return out
}
