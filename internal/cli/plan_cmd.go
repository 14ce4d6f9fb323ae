// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/plan"
)

// =============================================================================
// PLAN
// =============================================================================

type planOptions struct {
	run       bool
	out       string
	sessionID string
}

func newPlanCmd(opts *globalOptions, info BuildInfo) *cobra.Command {
	po := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan [goal]",
		Short: "Generate a plan for a goal with the configured model",
		Long: `Ask the planning model to turn a goal into a plan, validate it and print it.
Without a goal argument the goal is read from an interactive prompt.

With --session, the goals of the session's earlier runs are passed to the
planner as context.`,
		Example: `  graphite plan "current BTC price, saved to a file"
  graphite plan --out report.yaml
  graphite plan "compare the top three vector databases" --run`,
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.TrimSpace(strings.Join(args, " "))
			return planGoal(cmd.Context(), cmd.OutOrStdout(), opts, po, info, goal)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&po.run, "run", false, "execute the plan after generating it")
	f.StringVarP(&po.out, "out", "o", "", "write the plan to a YAML or JSON file")
	f.StringVar(&po.sessionID, "session", "", "plan and run in a stored session")
	f.IntVarP(&opts.parallel, "parallel", "p", 0, "steps running at once when --run is set")
	return cmd
}

func planGoal(ctx context.Context, w io.Writer, opts *globalOptions, po *planOptions, info BuildInfo, goal string) error {
	var prompter *Prompter
	if goal == "" {
		if !IsTTY() {
			return &ExitError{Code: ExitUsage, Err: errors.New("no goal given and stdin is not a terminal")}
		}
		prompter = NewPrompter("plan")
		defer prompter.Close()
		line, err := prompter.ReadLine(RenderConditional(PromptStyle, "goal> "))
		if err != nil {
			if errors.Is(err, ErrPromptAborted) {
				return &ExitError{Code: ExitInterrupted, Reported: true}
			}
			return err
		}
		if goal = strings.TrimSpace(line); goal == "" {
			return &ExitError{Code: ExitUsage, Err: plan.ErrEmptyGoal}
		}
	}

	rt, err := newApp(ctx, opts, info)
	if err != nil {
		return err
	}

	var history []llm.Message
	if po.sessionID != "" {
		sess, err := rt.session(ctx, po.sessionID)
		if err != nil {
			rt.Close()
			return err
		}
		for _, run := range sess.Runs() {
			if run.Goal != "" {
				history = append(history, llm.User(run.Goal))
			}
		}
	}

	fmt.Fprintln(w, RenderConditional(DimStyle, "planning with "+rt.model.Resolve(llm.TaskPlan).String()+"..."))
	gen := plan.NewGenerator(rt.model, rt.registry.Manifest(), rt.cfg.Planner.MaxSteps, rt.logger.Named("planner"))
	spec, err := gen.Generate(ctx, goal, history...)
	if err != nil {
		rt.Close()
		return err
	}
	rt.logger.Debug("plan generated", zap.String("goal", goal), zap.Int("steps", len(spec.Steps)))

	data, err := plan.Marshal(spec, plan.FormatYAML)
	if err != nil {
		rt.Close()
		return err
	}
	fmt.Fprintln(w, highlightCode(string(data), "yaml"))

	if _, err := rt.compile(spec, nil); err != nil {
		rt.Close()
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("generated plan is invalid: %w", err)}
	}
	if po.out != "" {
		if err := plan.Save(po.out, spec); err != nil {
			rt.Close()
			return err
		}
		fmt.Fprintf(w, "%s plan written to %s\n", RenderStatus("ok"), po.out)
	}
	rt.Close()

	run := po.run
	if !run && prompter != nil && po.out == "" {
		answer, err := prompter.ReadLine("Run this plan? [y/N] ")
		if err != nil && !errors.Is(err, ErrPromptAborted) {
			return err
		}
		run = strings.EqualFold(strings.TrimSpace(answer), "y")
	}
	if !run {
		return nil
	}
	return runSpec(ctx, w, opts, info, spec, po.sessionID)
}
