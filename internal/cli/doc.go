// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the graphite command line.
//
// Commands are built with cobra. Each command loads the configuration,
// builds the model router, capability registry, repair loop and session
// store it needs, and renders progress events as they arrive.
//
// # Commands
//
//   - run: compile and execute a plan file
//   - plan: generate a plan for a goal, optionally running it
//   - validate: compile a plan file and list every problem
//   - sessions: list, show and delete stored sessions
//   - watch: run plan files dropped into a directory
//   - config: show the effective config or write a default one
//   - version: print build information
//
// # Exit Codes
//
//   - 0: the plan succeeded
//   - 1: the plan failed, or the command hit an error
//   - 2: invalid usage
//   - 130: the run was interrupted
//
// # Usage
//
//	func main() {
//	    os.Exit(cli.Execute(cli.BuildInfo{Version: Version}))
//	}
package cli
