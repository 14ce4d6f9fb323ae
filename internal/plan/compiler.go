// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jeranaias/graphite/internal/tools"
)

var (
	stepIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)
	keyRegex    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)
)

// paramValidate checks parameter blocks against their struct tags.
var paramValidate *validator.Validate

func init() {
	paramValidate = validator.New()
	paramValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// =============================================================================
// COMPILE OPTIONS
// =============================================================================

// CompileOptions tunes validation.
type CompileOptions struct {
	// InferDependencies adds a reference's writer as a direct dependency when
	// it is not already a transitive one and the edge would not form a cycle.
	InferDependencies bool

	// KnownKeys are Memory Bank keys that already exist (session resume).
	// References to them bind without a writer.
	KnownKeys []string

	// MaxSteps rejects larger plans when positive. Sub-plans are not counted.
	MaxSteps int

	// Now and NewID default to the wall clock and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

// =============================================================================
// COMPILE
// =============================================================================

// Compile validates spec against the capability manifest and returns an
// immutable Plan. It has no side effects. On failure the error is a
// ValidationErrors listing every problem found.
//
// A nil manifest skips capability availability and parameter schema checks.
func Compile(spec Spec, manifest tools.Manifest, opts CompileOptions) (*Plan, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &compiler{manifest: manifest, opts: opts}
	p, errs := c.compile(spec, opts.KnownKeys, "", opts.MaxSteps)
	if len(errs) > 0 {
		return nil, errs
	}
	return p, nil
}

type compiler struct {
	manifest tools.Manifest
	opts     CompileOptions
}

func (c *compiler) compile(spec Spec, known []string, prefix string, maxSteps int) (*Plan, ValidationErrors) {
	var errs ValidationErrors
	name := func(id string) string { return prefix + id }

	if len(spec.Steps) == 0 {
		errs.add(CodeSchemaMismatch, nil, "steps", "plan has no steps")
		return nil, errs
	}
	if maxSteps > 0 && len(spec.Steps) > maxSteps {
		errs.add(CodeTooManySteps, nil, "steps", "plan has %d steps (max: %d)", len(spec.Steps), maxSteps)
	}

	// Bind every step to its kind.
	var order []*Step
	index := make(map[string]*Step, len(spec.Steps))
	for i, ss := range spec.Steps {
		id := strings.TrimSpace(ss.ID)
		switch {
		case id == "":
			errs.add(CodeSchemaMismatch, nil, fmt.Sprintf("steps[%d].id", i), "step id is required")
			continue
		case !stepIDRegex.MatchString(id):
			errs.add(CodeSchemaMismatch, []string{name(id)}, "id", "step ids may contain only letters, digits, '_' and '-'")
			continue
		case index[id] != nil:
			errs.add(CodeDuplicateStep, []string{name(id)}, "id", "step id used more than once")
			continue
		}
		ss.ID = id
		st, stepErrs := c.bind(ss, prefix)
		errs = append(errs, stepErrs...)
		index[id] = st
		order = append(order, st)
	}

	// Dependencies must exist. Unknown ones are dropped so the remaining
	// graph can still be checked.
	for _, st := range order {
		deps := st.DependsOn[:0]
		for _, d := range st.DependsOn {
			switch {
			case d == st.ID:
				errs.add(CodeCyclicDependency, []string{name(st.ID), name(st.ID)}, "depends_on", "step depends on itself")
			case index[d] == nil:
				errs.add(CodeUnknownDependency, []string{name(st.ID)}, "depends_on", "unknown step %q", d)
			default:
				deps = append(deps, d)
			}
		}
		st.DependsOn = deps
	}

	if cycle := findCycle(order, index); cycle != nil {
		for i := range cycle {
			cycle[i] = name(cycle[i])
		}
		errs.add(CodeCyclicDependency, cycle, "depends_on", "dependency cycle")
		return nil, errs
	}

	// Every key has at most one writer.
	writers := make(map[string]string)
	for _, st := range order {
		for _, k := range st.Writes {
			if w, ok := writers[k]; ok {
				errs.add(CodeDuplicateWriter, []string{name(w), name(st.ID)}, k, "key is written by more than one step")
				continue
			}
			writers[k] = st.ID
		}
	}

	// Every reference binds to a writer that runs first.
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}
	for _, st := range order {
		for _, key := range st.Reads {
			w, ok := writers[key]
			if !ok {
				if !knownSet[key] {
					errs.add(CodeUnboundReference, []string{name(st.ID)}, key, "no step writes this key")
				}
				continue
			}
			switch {
			case w == st.ID:
				errs.add(CodeUnboundReference, []string{name(st.ID)}, key, "step references its own output")
			case dependsOn(index, st.ID, w):
			case c.opts.InferDependencies && !dependsOn(index, w, st.ID):
				st.DependsOn = insertSorted(st.DependsOn, w)
			case c.opts.InferDependencies:
				errs.add(CodeUnboundReference, []string{name(st.ID), name(w)}, key, "writer %s depends on this step", name(w))
			default:
				errs.add(CodeUnboundReference, []string{name(st.ID), name(w)}, key, "written by %s, which is not a dependency", name(w))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	p := &Plan{
		ID:          spec.ID,
		Goal:        spec.Goal,
		Parallelism: spec.Parallelism,
		CreatedAt:   c.opts.Now().UTC().Round(0),
		Steps:       topoSort(order),
		index:       index,
		dependents:  make(map[string][]string),
	}
	if p.ID == "" {
		p.ID = c.opts.NewID()
	}
	for _, st := range p.Steps {
		for _, d := range st.DependsOn {
			p.dependents[d] = append(p.dependents[d], st.ID)
		}
	}
	return p, nil
}

// =============================================================================
// STEP BINDING
// =============================================================================

// bind checks one step's kind-specific block and builds its binding. The
// step is returned even when the block is invalid so graph checks can run.
func (c *compiler) bind(ss StepSpec, prefix string) (*Step, ValidationErrors) {
	var errs ValidationErrors
	id := prefix + ss.ID
	st := &Step{
		ID:        ss.ID,
		Kind:      ss.Kind,
		Task:      ss.Task,
		OutputKey: strings.TrimSpace(ss.OutputKey),
		Retries:   ss.Retries,
		DependsOn: dedupeSorted(ss.DependsOn),
	}

	if ss.Timeout != "" {
		d, err := time.ParseDuration(ss.Timeout)
		if err != nil || d <= 0 {
			errs.add(CodeSchemaMismatch, []string{id}, "timeout", "invalid duration %q", ss.Timeout)
		}
		st.Timeout = d
	}
	if ss.Retries != nil && *ss.Retries < 0 {
		errs.add(CodeSchemaMismatch, []string{id}, "retries", "must be >= 0")
	}
	if st.OutputKey != "" && !keyRegex.MatchString(st.OutputKey) {
		errs.add(CodeSchemaMismatch, []string{id}, "output_key", "invalid key %q", st.OutputKey)
	}

	writes := []string{OutputKey(ss.ID)}
	if st.OutputKey != "" {
		writes = append(writes, st.OutputKey)
	}
	reads := collectReferences(ss.Params)

	switch ss.Kind {
	case KindSearch:
		var p SearchParams
		if c.decode(&errs, id, ss.Params, &p) {
			params := map[string]interface{}{"query": p.Query}
			if p.MaxResults > 0 {
				params["max_results"] = p.MaxResults
			}
			c.bindCapability(&errs, id, st, "search", params)
		}

	case KindResearch:
		var p ResearchParams
		if c.decode(&errs, id, ss.Params, &p) {
			params := map[string]interface{}{"query": p.Query}
			if p.MaxPages > 0 {
				params["max_pages"] = p.MaxPages
			}
			c.bindCapability(&errs, id, st, "web_research", params)
		}

	case KindSandbox:
		var p SandboxParams
		if c.decode(&errs, id, ss.Params, &p) {
			params := map[string]interface{}{"code": p.Code}
			if p.Language != "" {
				params["language"] = p.Language
			}
			if p.Stdin != "" {
				params["stdin"] = p.Stdin
			}
			c.bindCapability(&errs, id, st, "sandbox", params)
		}

	case KindCodegen:
		var p CodegenParams
		if c.decode(&errs, id, ss.Params, &p) {
			if p.Language == "" {
				p.Language = tools.LanguagePython
			}
			st.Codegen = &p
			st.Capability = "sandbox"
			c.requireCapability(&errs, id, "sandbox")
		}

	case KindFile:
		var p FileParams
		if c.decode(&errs, id, ss.Params, &p) {
			c.bindCapability(&errs, id, st, "file", map[string]interface{}{"path": p.Path, "content": p.Content})
		}

	case KindSynthesize:
		var p SynthesizeParams
		if c.decode(&errs, id, ss.Params, &p) {
			params := map[string]interface{}{"instruction": p.Instruction}
			if p.Source != "" {
				params["source"] = p.Source
			}
			c.bindCapability(&errs, id, st, "synthesize", params)
		}

	case KindMemory:
		var p MemoryParams
		if c.decode(&errs, id, ss.Params, &p) {
			st.Memory = &p
			if !keyRegex.MatchString(p.Key) {
				errs.add(CodeSchemaMismatch, []string{id}, "params.key", "invalid key %q", p.Key)
			} else if p.Action == MemorySave {
				writes = append(writes, p.Key)
			} else {
				reads = append(reads, p.Key)
			}
		}

	case KindSubplan:
		var p SubplanParams
		reads = nil
		if c.decode(&errs, id, ss.Params, &p) {
			errs = append(errs, c.bindSubplan(ss, p, prefix, st)...)
			reads = dedupeSorted(p.Imports)
			writes = append(writes, st.Subplan.Exports...)
		}

	case KindTool:
		var p ToolParams
		if c.decode(&errs, id, ss.Params, &p) {
			params := make(map[string]interface{}, len(p.Params))
			for k, v := range p.Params {
				params[k] = v
			}
			c.bindCapability(&errs, id, st, p.Capability, params)
		}

	default:
		errs.add(CodeSchemaMismatch, []string{id}, "kind", "unknown step kind %q", ss.Kind)
	}

	st.Reads = dedupeSorted(reads)
	st.Writes = dedupeKeepOrder(writes)
	return st, errs
}

// bindSubplan compiles the nested steps in their own scope. The child sees
// only the imported keys, and every export needs a writer inside it.
func (c *compiler) bindSubplan(ss StepSpec, p SubplanParams, prefix string, st *Step) ValidationErrors {
	var errs ValidationErrors
	id := prefix + ss.ID
	for _, k := range append(append([]string{}, p.Imports...), p.Exports...) {
		if !keyRegex.MatchString(k) {
			errs.add(CodeSchemaMismatch, []string{id}, "params", "invalid key %q", k)
		}
	}
	st.Subplan = &Subplan{
		Imports: dedupeSorted(p.Imports),
		Exports: dedupeSorted(p.Exports),
	}

	child, childErrs := c.compile(Spec{
		ID:          ss.ID,
		Goal:        ss.Task,
		Parallelism: p.Parallelism,
		Steps:       p.Steps,
	}, st.Subplan.Imports, id+"/", 0)
	errs = append(errs, childErrs...)
	if child == nil {
		return errs
	}
	for _, k := range st.Subplan.Exports {
		if _, ok := child.Writer(k); !ok {
			errs.add(CodeUnboundReference, []string{id}, k, "exported key is not written by any nested step")
		}
	}
	st.Subplan.Plan = child
	return errs
}

// decode strictly decodes a raw parameter block into dst and runs its
// validation tags. It reports whether dst is usable.
func (c *compiler) decode(errs *ValidationErrors, id string, raw map[string]interface{}, dst interface{}) bool {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		errs.add(CodeSchemaMismatch, []string{id}, "params", "not encodable: %v", err)
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		errs.add(CodeSchemaMismatch, []string{id}, "params", "%v", err)
		return false
	}

	err = paramValidate.Struct(dst)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			errs.add(CodeSchemaMismatch, []string{id}, "params."+fe.Field(), "%s", describeFieldError(fe))
		}
		return false
	}
	if err != nil {
		errs.add(CodeSchemaMismatch, []string{id}, "params", "%v", err)
		return false
	}
	return true
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required when " + strings.ToLower(strings.Fields(fe.Param())[0]) + " is " + strings.Fields(fe.Param())[1]
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		if fe.Kind() == reflect.Slice {
			return "needs at least " + fe.Param() + " entries"
		}
		return "must be >= " + fe.Param()
	case "max":
		return "must be <= " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}

// requireCapability checks that a capability exists in the manifest.
func (c *compiler) requireCapability(errs *ValidationErrors, id, name string) (tools.ManifestEntry, bool) {
	if c.manifest == nil {
		return tools.ManifestEntry{}, false
	}
	entry, ok := c.manifest.Lookup(name)
	if !ok {
		errs.add(CodeSchemaMismatch, []string{id}, "capability", "capability %q is not available", name)
	}
	return entry, ok
}

// bindCapability sets the invocation binding and checks it against the
// capability's declared schema.
func (c *compiler) bindCapability(errs *ValidationErrors, id string, st *Step, name string, params map[string]interface{}) {
	st.Capability = name
	st.Params = params
	entry, ok := c.requireCapability(errs, id, name)
	if !ok {
		return
	}
	if err := tools.ValidateToolArgs(&entry.Schema, params); err != nil {
		var ve *tools.ValidationError
		if errors.As(err, &ve) {
			errs.add(CodeSchemaMismatch, []string{id}, "params."+ve.Param, "%s", ve.Message)
			return
		}
		errs.add(CodeSchemaMismatch, []string{id}, "params", "%v", err)
	}
}

// =============================================================================
// GRAPH HELPERS
// =============================================================================

// findCycle returns the first dependency cycle found by depth-first search,
// as a path that starts and ends at the same step, or nil.
func findCycle(order []*Step, index map[string]*Step) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range index[id].DependsOn {
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			}
		}
		path = path[:len(path)-1]
		onStack[id] = false
		return false
	}

	for _, st := range order {
		if !visited[st.ID] && dfs(st.ID) {
			return cycle
		}
	}
	return nil
}

// dependsOn reports whether step id transitively depends on target.
func dependsOn(index map[string]*Step, id, target string) bool {
	seen := map[string]bool{}
	stack := append([]string{}, index[id].DependsOn...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, index[cur].DependsOn...)
	}
	return false
}

// topoSort orders steps so each follows its dependencies, keeping the
// declared order among steps that are ready at the same time.
func topoSort(order []*Step) []*Step {
	pos := make(map[string]int, len(order))
	indegree := make(map[string]int, len(order))
	dependents := make(map[string][]string)
	for i, st := range order {
		pos[st.ID] = i
		indegree[st.ID] = len(st.DependsOn)
		for _, d := range st.DependsOn {
			dependents[d] = append(dependents[d], st.ID)
		}
	}

	var ready []int
	for i, st := range order {
		if indegree[st.ID] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]*Step, 0, len(order))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		st := order[i]
		out = append(out, st)
		for _, d := range dependents[st.ID] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, pos[d])
			}
		}
	}
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func dedupeKeepOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}
