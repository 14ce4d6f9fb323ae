// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plan compiles goals and plan files into validated, immutable plans.
//
// A plan file (YAML or JSON) or the LLM planner produces a Spec: steps with
// a kind, a kind-specific parameter block, optional dependencies and an
// optional output key. Compile checks every block against its kind and the
// capability manifest, rejects dependency cycles, and binds every {{key}}
// reference to the step that writes it. Nothing is executed.
//
// # Key Types
//
//   - Spec, StepSpec: uncompiled plan as written
//   - Plan, Step: compiled plan, steps in topological order
//   - ValidationError, ValidationErrors: rejection reasons by Code
//   - Generator: goal to Spec via a language model
//
// # Usage
//
//	spec, err := plan.Load("btc.yaml")
//	p, err := plan.Compile(spec, registry.Manifest(), plan.CompileOptions{InferDependencies: true})
//	if errors.Is(err, plan.ErrCyclicDependency) {
//	    // report the cycle
//	}
//
// # Plan Format
//
//	goal: Report the BTC price
//	steps:
//	  - id: price
//	    kind: search
//	    params: {query: "BTC price"}
//	  - id: report
//	    kind: file
//	    depends_on: [price]
//	    params: {path: btc.txt, content: "{{price.output}}"}
package plan
