// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events carries the ordered progress stream of a plan run.
//
// The engine publishes StepReady, StepStarted, StepRetrying, StepRepair,
// StepSucceeded, StepFailed, StepBlocked, StepCancelled and PlanTerminal
// events. Publishing never blocks: each subscriber drains its own queue on
// its own goroutine, in sequence order.
//
// # Key Types
//
//   - Bus: fan-out with per-subscriber queues and a bounded history
//   - Event: one stream entry, numbered by Seq
//   - Recorder: in-memory Publisher for tests
//
// # Usage
//
//	bus := events.NewBus(events.WithLogger(logger))
//	defer bus.Close()
//	bus.Subscribe(func(ev events.Event) {
//	    fmt.Println(ev.Seq, ev.Type, ev.Step)
//	}, events.StepSucceeded, events.StepFailed)
package events
