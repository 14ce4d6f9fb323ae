// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/graphite/internal/engine"
	"github.com/jeranaias/graphite/internal/plan"
)

// =============================================================================
// RUN
// =============================================================================

func newRunCmd(opts *globalOptions, info BuildInfo) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Compile and execute a plan file",
		Long: `Compile a YAML or JSON plan file and execute it.

Exit status is 0 when every step succeeded, 1 when the plan failed and 130
when it was interrupted.`,
		Example: `  graphite run btc.yaml
  graphite run report.json --session sess_3f9a1c0b2d4e5f60 --parallel 8`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			return runSpec(cmd.Context(), cmd.OutOrStdout(), opts, info, spec, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a stored session")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "steps running at once (overrides config)")
	return cmd
}

// runSpec executes spec with live progress and prints the outcome.
func runSpec(ctx context.Context, w io.Writer, opts *globalOptions, info BuildInfo, spec plan.Spec, sessionID string) error {
	rt, err := newApp(ctx, opts, info)
	if err != nil {
		return err
	}
	defer rt.Close()

	printer := newProgressPrinter(w, opts.verbose)
	res, sess, err := rt.execute(ctx, spec, sessionID, printer.handle)
	if res == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(w, "%s session not saved: %v\n", RenderConditional(WarningStyle, "[WARN]"), err)
	}

	renderResult(w, res, sess.ID)
	if opts.verbose {
		renderRepairs(w, res)
	}
	if res.Status == engine.PlanSucceeded {
		if out := finalOutput(res); out != "" {
			fmt.Fprintln(w)
			fmt.Fprintln(w, renderMarkdown(out))
		}
	}

	runErr := res.Err()
	if err != nil && runErr == nil {
		return &ExitError{Code: ExitFailure, Err: err, Reported: true}
	}
	return exitForStatus(res.Status, runErr)
}

// =============================================================================
// VALIDATE
// =============================================================================

func newValidateCmd(opts *globalOptions, info BuildInfo) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Check a plan file without running it",
		Long: `Compile a plan file against the registered capabilities and report every
problem found: cycles, unbound {{key}} references, unknown dependencies,
duplicate ids or writers and parameter schema mismatches.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			spec, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			rt, err := newApp(ctx, opts, info)
			if err != nil {
				return err
			}
			defer rt.Close()

			var sess *engine.Session
			if sessionID != "" {
				if sess, err = rt.session(ctx, sessionID); err != nil {
					return err
				}
			}
			p, err := rt.compile(spec, sess)
			if err != nil {
				var verrs plan.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				fmt.Fprintf(w, "%s %s: %d problem(s)\n", RenderStatus("failed"), args[0], len(verrs))
				for _, v := range verrs {
					fmt.Fprintf(w, "  - %s\n", v.Error())
				}
				return &ExitError{Code: ExitFailure, Err: err, Reported: true}
			}

			fmt.Fprintf(w, "%s %s: %d steps\n", RenderStatus("ok"), args[0], p.Len())
			renderPlan(w, p)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "treat keys stored in this session as available")
	return cmd
}

// renderPlan lists steps in execution order with their dependencies.
func renderPlan(w io.Writer, p *plan.Plan) {
	width := 4
	for _, st := range p.Steps {
		if n := len(st.ID); n > width {
			width = n
		}
	}
	for i, st := range p.Steps {
		line := fmt.Sprintf("  %2d. %s  %-10s", i+1, padRight(st.ID, width), st.Kind)
		if len(st.DependsOn) > 0 {
			line += RenderConditional(DimStyle, fmt.Sprintf(" after %v", st.DependsOn))
		}
		if len(st.Writes) > 0 {
			line += RenderConditional(DimStyle, fmt.Sprintf(" writes %v", st.Writes))
		}
		fmt.Fprintln(w, line)
	}
}
