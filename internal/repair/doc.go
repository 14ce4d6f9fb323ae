// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package repair implements the self-repair loop used by code-generation
// steps.
//
// A Loop is a finite state machine: Draft produces a program, Execute runs
// it, Evaluate applies the success criterion (clean exit, no failure
// marker in the output) and Critique turns a failure into feedback for the
// next Draft. The loop ends Done or, after the attempt ceiling, with an
// *ExhaustedError holding every Attempt.
//
// # Key Types
//
//   - Loop: the state machine
//   - Attempt: one entry in the attempt log
//   - Drafter, Runner, Analyzer: collaborators, injected at construction
//   - ModelDrafter: Drafter and Analyzer backed by an llm.Completer
//   - SandboxRunner: Runner backed by the sandbox capability
//
// # Usage
//
//	drafter := repair.NewModelDrafter(router)
//	runner := &repair.SandboxRunner{Invoker: registry}
//	loop := repair.New(drafter, runner, drafter, repair.Config{MaxAttempts: 4, Analyze: true}, logger)
//
//	out, err := loop.Run(ctx, repair.Task{Prompt: "compute 2**64", Language: "python"})
//	var exhausted *repair.ExhaustedError
//	if errors.As(err, &exhausted) {
//	    for _, a := range exhausted.Attempts {
//	        fmt.Println(a.Index, a.Failure)
//	    }
//	}
package repair
