// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/tools"
)

func testManifest(t *testing.T) tools.Manifest {
	t.Helper()
	reg := tools.NewRegistry(nil)
	search := tools.NewSearchExecutor(tools.SearchConfig{})
	for _, tool := range []*tools.Tool{
		tools.NewSearchTool(tools.SearchConfig{}),
		tools.NewResearchTool(search, nil, tools.ResearchConfig{}, nil),
		tools.NewSandboxTool(tools.SandboxConfig{}),
		tools.NewFileTool(tools.FileConfig{OutputDir: t.TempDir()}),
		tools.NewSynthesizeTool(nil),
	} {
		require.NoError(t, reg.Register(tool))
	}
	return reg.Manifest()
}

func fixedOpts(o CompileOptions) CompileOptions {
	o.Now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	o.NewID = func() string { return "plan-1" }
	return o
}

func step(id string, kind Kind, params map[string]interface{}, deps ...string) StepSpec {
	return StepSpec{ID: id, Kind: kind, Params: params, DependsOn: deps}
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T: %v", err, err)
	return verrs
}

// =============================================================================
// ACCEPTED PLANS
// =============================================================================

func TestCompile_SearchThenSandbox(t *testing.T) {
	spec := Spec{Goal: "BTC price", Steps: []StepSpec{
		step("step1", KindSearch, map[string]interface{}{"query": "BTC price"}),
		step("step2", KindSandbox, map[string]interface{}{
			"code": "print('''{{step1.output}}''')",
		}, "step1"),
	}}

	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	require.NoError(t, err)
	assert.Equal(t, "plan-1", p.ID)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), p.CreatedAt)
	require.Equal(t, 2, p.Len())

	s1, s2 := p.Step("step1"), p.Step("step2")
	assert.Equal(t, "search", s1.Capability)
	assert.Equal(t, map[string]interface{}{"query": "BTC price"}, s1.Params)
	assert.Equal(t, []string{"step1.output"}, s1.Writes)
	assert.Equal(t, []string{"step1.output"}, s2.Reads)
	assert.Equal(t, []string{"step1"}, s2.DependsOn)
	assert.Equal(t, []string{"step2"}, p.Dependents("step1"))

	w, ok := p.Writer("step1.output")
	require.True(t, ok)
	assert.Equal(t, "step1", w)
}

func TestCompile_TopologicalOrderIsStable(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("c", KindSearch, map[string]interface{}{"query": "c"}, "b"),
		step("a", KindSearch, map[string]interface{}{"query": "a"}),
		step("b", KindSearch, map[string]interface{}{"query": "b"}, "a"),
		step("d", KindSearch, map[string]interface{}{"query": "d"}),
	}}
	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	require.NoError(t, err)

	var ids []string
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, []string{"b", "c"}, p.Transitive("a"))
	assert.Len(t, p.Roots(), 2)
}

func TestCompile_InferDependencies(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("fetch", KindSearch, map[string]interface{}{"query": "q"}),
		{ID: "save", Kind: KindMemory, Params: map[string]interface{}{"action": "save", "key": "notes", "input": "{{fetch.output}}"}},
		step("report", KindSynthesize, map[string]interface{}{"instruction": "Summarize {{notes}}"}),
	}}

	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	verrs := validationErrors(t, err)
	assert.True(t, verrs.Has(CodeUnboundReference))
	assert.ErrorIs(t, err, ErrUnboundReference)

	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{InferDependencies: true}))
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch"}, p.Step("save").DependsOn)
	assert.Equal(t, []string{"save"}, p.Step("report").DependsOn)
	assert.Equal(t, []string{"notes", "save.output"}, sortedCopy(p.Step("save").Writes))
}

func TestCompile_TransitiveWriterNeedsNoDirectEdge(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("a", KindSearch, map[string]interface{}{"query": "q"}),
		step("b", KindSearch, map[string]interface{}{"query": "{{a.output}}"}, "a"),
		step("c", KindSynthesize, map[string]interface{}{"instruction": "{{a.output}}"}, "b"),
	}}
	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{InferDependencies: true}))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, p.Step("c").DependsOn)
}

func TestCompile_KnownKeysBind(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("again", KindSynthesize, map[string]interface{}{"instruction": "Update {{previous_report}}"}),
	}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	assert.ErrorIs(t, err, ErrUnboundReference)

	_, err = Compile(spec, testManifest(t), fixedOpts(CompileOptions{KnownKeys: []string{"previous_report"}}))
	assert.NoError(t, err)
}

func TestCompile_MemoryLoadReadsKey(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		{ID: "load", Kind: KindMemory, Params: map[string]interface{}{"action": "load", "key": "notes"}},
	}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	assert.ErrorIs(t, err, ErrUnboundReference)

	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{KnownKeys: []string{"notes"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, p.Step("load").Reads)
	assert.Equal(t, MemoryLoad, p.Step("load").Memory.Action)
}

func TestCompile_CodegenDefaults(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		{ID: "calc", Kind: KindCodegen, Timeout: "45s", Retries: intPtr(1), Params: map[string]interface{}{"task": "compute 2**10"}},
	}}
	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	require.NoError(t, err)
	st := p.Step("calc")
	require.NotNil(t, st.Codegen)
	assert.Equal(t, tools.LanguagePython, st.Codegen.Language)
	assert.Equal(t, "sandbox", st.Capability)
	assert.Equal(t, 45*time.Second, st.Timeout)
	assert.Equal(t, 1, *st.Retries)
}

func TestCompile_ToolKindUsesManifestSchema(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("t", KindTool, map[string]interface{}{
			"capability": "search",
			"params":     map[string]interface{}{"query": "x", "max_results": 3},
		}),
	}}
	p, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	require.NoError(t, err)
	assert.Equal(t, "search", p.Step("t").Capability)

	spec.Steps[0].Params["params"] = map[string]interface{}{"query": "x", "bogus": true}
	_, err = Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	verrs := validationErrors(t, err)
	require.Len(t, verrs, 1)
	assert.Equal(t, CodeSchemaMismatch, verrs[0].Code)
	assert.Equal(t, "params.bogus", verrs[0].Field)
}

// =============================================================================
// REJECTED PLANS
// =============================================================================

func TestCompile_CyclicDependency(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("a", KindSearch, map[string]interface{}{"query": "a"}, "c"),
		step("b", KindSearch, map[string]interface{}{"query": "b"}, "a"),
		step("c", KindSearch, map[string]interface{}{"query": "c"}, "b"),
	}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	assert.ErrorIs(t, err, ErrCyclicDependency)

	verrs := validationErrors(t, err).ByCode(CodeCyclicDependency)
	require.Len(t, verrs, 1)
	cycle := verrs[0].Steps
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle[:3])
}

func TestCompile_SelfDependency(t *testing.T) {
	spec := Spec{Steps: []StepSpec{step("a", KindSearch, map[string]interface{}{"query": "a"}, "a")}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestCompile_InferenceNeverCreatesCycles(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("a", KindSynthesize, map[string]interface{}{"instruction": "{{b.output}}"}),
		step("b", KindSearch, map[string]interface{}{"query": "q"}, "a"),
	}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{InferDependencies: true}))
	verrs := validationErrors(t, err)
	require.Len(t, verrs, 1)
	assert.Equal(t, CodeUnboundReference, verrs[0].Code)
	assert.Equal(t, []string{"a", "b"}, verrs[0].Steps)
}

func TestCompile_SelfReference(t *testing.T) {
	spec := Spec{Steps: []StepSpec{step("a", KindSearch, map[string]interface{}{"query": "{{a.output}}"})}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{InferDependencies: true}))
	assert.ErrorIs(t, err, ErrUnboundReference)
}

func TestCompile_StructuralErrors(t *testing.T) {
	tests := []struct {
		name  string
		steps []StepSpec
		code  Code
		field string
	}{
		{"unknown dependency", []StepSpec{step("a", KindSearch, map[string]interface{}{"query": "q"}, "ghost")}, CodeUnknownDependency, "depends_on"},
		{"duplicate step", []StepSpec{
			step("a", KindSearch, map[string]interface{}{"query": "q"}),
			step("a", KindSearch, map[string]interface{}{"query": "q"}),
		}, CodeDuplicateStep, "id"},
		{"duplicate writer", []StepSpec{
			{ID: "a", Kind: KindSearch, OutputKey: "price", Params: map[string]interface{}{"query": "q"}},
			{ID: "b", Kind: KindSearch, OutputKey: "price", Params: map[string]interface{}{"query": "q"}},
		}, CodeDuplicateWriter, "price"},
		{"output key collides with step output", []StepSpec{
			step("a", KindSearch, map[string]interface{}{"query": "q"}),
			{ID: "b", Kind: KindSearch, OutputKey: "a.output", Params: map[string]interface{}{"query": "q"}},
		}, CodeDuplicateWriter, "a.output"},
		{"missing id", []StepSpec{step("", KindSearch, map[string]interface{}{"query": "q"})}, CodeSchemaMismatch, "steps[0].id"},
		{"bad id", []StepSpec{step("a.b", KindSearch, map[string]interface{}{"query": "q"})}, CodeSchemaMismatch, "id"},
		{"unknown kind", []StepSpec{step("a", Kind("teleport"), nil)}, CodeSchemaMismatch, "kind"},
		{"missing required", []StepSpec{step("a", KindSearch, map[string]interface{}{})}, CodeSchemaMismatch, "params.query"},
		{"unknown field", []StepSpec{step("a", KindSearch, map[string]interface{}{"query": "q", "engine": "bing"})}, CodeSchemaMismatch, "params"},
		{"wrong type", []StepSpec{step("a", KindSearch, map[string]interface{}{"query": 42})}, CodeSchemaMismatch, "params"},
		{"out of range", []StepSpec{step("a", KindSearch, map[string]interface{}{"query": "q", "max_results": 50})}, CodeSchemaMismatch, "params.max_results"},
		{"bad language", []StepSpec{step("a", KindSandbox, map[string]interface{}{"code": "x", "language": "ruby"})}, CodeSchemaMismatch, "params.language"},
		{"memory save without input", []StepSpec{step("a", KindMemory, map[string]interface{}{"action": "save", "key": "k"})}, CodeSchemaMismatch, "params.input"},
		{"bad timeout", []StepSpec{{ID: "a", Kind: KindSearch, Timeout: "soon", Params: map[string]interface{}{"query": "q"}}}, CodeSchemaMismatch, "timeout"},
		{"negative retries", []StepSpec{{ID: "a", Kind: KindSearch, Retries: intPtr(-1), Params: map[string]interface{}{"query": "q"}}}, CodeSchemaMismatch, "retries"},
		{"unavailable capability", []StepSpec{step("a", KindTool, map[string]interface{}{"capability": "teleport"})}, CodeSchemaMismatch, "capability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(Spec{Steps: tt.steps}, testManifest(t), fixedOpts(CompileOptions{}))
			verrs := validationErrors(t, err).ByCode(tt.code)
			require.NotEmpty(t, verrs, "got %v", err)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestCompile_EmptyAndTooMany(t *testing.T) {
	_, err := Compile(Spec{}, testManifest(t), fixedOpts(CompileOptions{}))
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	var steps []StepSpec
	for _, id := range []string{"a", "b", "c"} {
		steps = append(steps, step(id, KindSearch, map[string]interface{}{"query": id}))
	}
	_, err = Compile(Spec{Steps: steps}, testManifest(t), fixedOpts(CompileOptions{MaxSteps: 2}))
	assert.ErrorIs(t, err, ErrTooManySteps)
}

func TestCompile_CollectsEveryError(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		step("a", KindSearch, map[string]interface{}{}),
		step("b", KindSearch, map[string]interface{}{"query": "{{nowhere}}"}, "ghost"),
	}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{}))
	verrs := validationErrors(t, err)
	assert.True(t, verrs.Has(CodeSchemaMismatch))
	assert.True(t, verrs.Has(CodeUnknownDependency))
	assert.True(t, verrs.Has(CodeUnboundReference))
	assert.Contains(t, err.Error(), "invalid plan (3 errors)")
}

func TestCompile_NilManifestSkipsCapabilityChecks(t *testing.T) {
	spec := Spec{Steps: []StepSpec{step("t", KindTool, map[string]interface{}{"capability": "anything"})}}
	_, err := Compile(spec, nil, fixedOpts(CompileOptions{}))
	assert.NoError(t, err)
}

// =============================================================================
// SUB-PLANS
// =============================================================================

func subplanSpec(exports ...string) Spec {
	return Spec{Steps: []StepSpec{
		step("seed", KindSearch, map[string]interface{}{"query": "q"}),
		{ID: "nested", Kind: KindSubplan, DependsOn: []string{"seed"}, Params: map[string]interface{}{
			"imports": []interface{}{"seed.output"},
			"exports": toIface(exports),
			"steps": []interface{}{
				map[string]interface{}{"id": "inner", "kind": "synthesize", "output_key": "summary",
					"params": map[string]interface{}{"instruction": "Summarize {{seed.output}}"}},
			},
		}},
		step("use", KindSynthesize, map[string]interface{}{"instruction": "Use {{summary}}"}, "nested"),
	}}
}

func TestCompile_Subplan(t *testing.T) {
	p, err := Compile(subplanSpec("summary"), testManifest(t), fixedOpts(CompileOptions{}))
	require.NoError(t, err)

	nested := p.Step("nested")
	require.NotNil(t, nested.Subplan)
	require.NotNil(t, nested.Subplan.Plan)
	assert.Equal(t, []string{"seed.output"}, nested.Reads)
	assert.Contains(t, nested.Writes, "summary")
	assert.Equal(t, []string{"summary"}, nested.Subplan.Exports)
	assert.Equal(t, "nested", nested.Subplan.Plan.ID)
	assert.Equal(t, []string{"inner.output", "summary"}, nested.Subplan.Plan.Step("inner").Writes)
}

func TestCompile_SubplanExportNeedsWriter(t *testing.T) {
	_, err := Compile(subplanSpec("summary", "missing"), testManifest(t), fixedOpts(CompileOptions{}))
	verrs := validationErrors(t, err).ByCode(CodeUnboundReference)
	require.Len(t, verrs, 1)
	assert.Equal(t, "missing", verrs[0].Field)
}

func TestCompile_SubplanErrorsArePrefixed(t *testing.T) {
	spec := Spec{Steps: []StepSpec{
		{ID: "nested", Kind: KindSubplan, Params: map[string]interface{}{
			"steps": []interface{}{
				map[string]interface{}{"id": "inner", "kind": "search", "params": map[string]interface{}{"query": "{{outside}}"}},
			},
		}},
	}}
	_, err := Compile(spec, testManifest(t), fixedOpts(CompileOptions{KnownKeys: []string{"outside"}}))
	verrs := validationErrors(t, err)
	require.Len(t, verrs, 1)
	assert.Equal(t, CodeUnboundReference, verrs[0].Code)
	assert.Equal(t, []string{"nested/inner"}, verrs[0].Steps)
}

func intPtr(n int) *int { return &n }

func toIface(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
