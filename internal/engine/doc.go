// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine executes compiled plans.
//
// A scheduler goroutine owns every status transition. Ready steps are handed
// to a bounded errgroup of workers; workers report back over a channel and
// the scheduler commits their outputs to the Memory Bank and the step's
// output node before any dependent becomes Ready. A failed step blocks its
// transitive dependents while independent branches keep running.
//
// Transient capability failures are retried with exponential backoff up to
// the step's budget. Code-generation steps run through a repair.Loop, and
// sub-plan steps run a nested scheduler against a forked Memory Bank scope
// whose exports merge back only on success.
//
// # Key Types
//
//   - Engine: executes plans; holds no per-run state
//   - Session: the Node Graph and Memory Bank shared by successive runs
//   - Run: a run in progress (Wait, Cancel, Checkpoint)
//   - Result: aggregate PlanStatus plus the per-step StepState table
//   - BlockedError: error of a Blocked step, naming the originating failure
//
// # Usage
//
//	eng := engine.New(registry, loop, engine.DefaultConfig(),
//	    engine.WithPublisher(bus),
//	    engine.WithSaver(store),
//	    engine.WithLogger(logger))
//
//	run, err := eng.Start(ctx, compiled, sess)
//	if err != nil {
//	    return err
//	}
//	res, err := run.Wait()
//	fmt.Println(res.Status)
package engine
