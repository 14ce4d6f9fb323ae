// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools is the capability registry and the built-in capabilities.
//
// Every capability satisfies one contract: Execute(ctx, params) returning a
// Result. The Registry adds what callers rely on: parameter validation against
// the declared Schema, a per-invocation timeout, panic recovery, metrics, and
// classification of every failure as Transient, Fatal or Cancelled.
//
// # Key Types
//
//   - Tool: name, description, parameter schema, timeout, executor
//   - Registry: name to Tool mapping with Describe, Manifest and Invoke
//   - Result: uniform invocation outcome
//   - InvocationError: failed invocation with its ErrorKind
//
// # Built-in Capabilities
//
//   - search: DuckDuckGo HTML search, rate limited
//   - web_research: search, fetch, validate and summarize pages
//   - sandbox: run Python in a subprocess or Go in an embedded interpreter
//   - file: write artifacts under a confined output directory
//   - synthesize: combine gathered material into a final answer
//
// # Usage
//
//	reg := tools.NewRegistry(logger)
//	_ = reg.Register(tools.NewSearchTool(tools.SearchConfig{}))
//	res, err := reg.Invoke(ctx, "search", map[string]interface{}{"query": "BTC price"}, 0)
//	if tools.KindOf(err) == tools.ErrorTransient {
//	    // retry
//	}
package tools
