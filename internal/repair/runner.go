// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package repair

import (
	"context"
	"time"

	"github.com/jeranaias/graphite/internal/tools"
)

// Invoker is the part of the capability registry the runner needs.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]interface{}, timeout time.Duration) (tools.Result, error)
}

// SandboxRunner runs programs through a registered sandbox capability.
type SandboxRunner struct {
	Invoker    Invoker
	Capability string        // defaults to "sandbox"
	Timeout    time.Duration // per invocation; <= 0 uses the capability's own
}

// Run implements Runner. Timeouts and non-zero exits come back as an
// Execution for Evaluate. Cancellation and failures to start a run are
// errors.
func (r *SandboxRunner) Run(ctx context.Context, language, code string) (Execution, error) {
	name := r.Capability
	if name == "" {
		name = "sandbox"
	}
	params := map[string]interface{}{"code": code}
	if language != "" {
		params["language"] = language
	}

	res, err := r.Invoker.Invoke(ctx, name, params, r.Timeout)
	exec := Execution{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	if err == nil {
		return exec, nil
	}

	switch tools.KindOf(err) {
	case tools.ErrorCancelled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exec, ctxErr
		}
		return exec, err
	case tools.ErrorTransient:
		exec.TimedOut = true
		if exec.ExitCode == 0 {
			exec.ExitCode = -1
		}
		return exec, nil
	}

	if res.ExitCode != 0 {
		return exec, nil
	}
	return exec, err
}
