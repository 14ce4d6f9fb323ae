// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/storage"
	"github.com/jeranaias/graphite/internal/tasks"
)

// =============================================================================
// WATCH
// =============================================================================

type watchOptions struct {
	concurrency int
	timeout     time.Duration
	debounce    time.Duration
}

func newWatchCmd(opts *globalOptions, info BuildInfo) *cobra.Command {
	wo := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Run plan files dropped into a directory",
		Long: `Watch a directory for YAML and JSON plan files. Each new or changed plan
runs in the background in its own session; the outcome is written next to
it as <name>.result.json. Stop with Ctrl+C.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchDir(cmd.Context(), cmd.OutOrStdout(), opts, wo, info, args[0])
		},
	}
	f := cmd.Flags()
	f.IntVar(&wo.concurrency, "concurrency", 2, "plans running at once")
	f.DurationVar(&wo.timeout, "timeout", 30*time.Minute, "per-plan time limit (0 = none)")
	f.DurationVar(&wo.debounce, "debounce", 500*time.Millisecond, "quiet period before a changed file is picked up")
	return cmd
}

// inboxResult is the document written next to each processed plan file.
type inboxResult struct {
	Plan       string               `json:"plan"`
	Goal       string               `json:"goal,omitempty"`
	Session    string               `json:"session,omitempty"`
	Status     string               `json:"status"`
	Error      string               `json:"error,omitempty"`
	Output     string               `json:"output,omitempty"`
	Steps      []storage.StepRecord `json:"steps,omitempty"`
	FinishedAt time.Time            `json:"finished_at"`
}

func watchDir(ctx context.Context, w io.Writer, opts *globalOptions, wo *watchOptions, info BuildInfo, dir string) error {
	if fi, err := os.Stat(dir); err != nil {
		return err
	} else if !fi.IsDir() {
		return &ExitError{Code: ExitUsage, Err: fmt.Errorf("%s is not a directory", dir)}
	}

	rt, err := newApp(ctx, opts, info)
	if err != nil {
		return err
	}
	defer rt.Close()
	// Open before tasks run concurrently.
	if _, err := rt.openStore(ctx); err != nil {
		return err
	}

	logger := rt.logger.Named("tasks")
	queue := tasks.NewQueue(100, 50, logger)
	runner := tasks.NewRunner(queue, wo.concurrency, wo.timeout, logger)
	runner.Start(ctx)
	defer runner.Stop()

	submit := func(path string) {
		spec, err := plan.Load(path)
		if err != nil {
			writeInboxResult(rt.logger, path, inboxResult{Plan: path, Status: "invalid", Error: err.Error(), FinishedAt: time.Now()})
			return
		}
		task := tasks.NewTask(spec.Goal, path, inboxJob(rt, path, spec))
		if err := queue.Add(task); err != nil {
			rt.logger.Warn("plan not queued", zap.String("path", path), zap.Error(err))
			fmt.Fprintf(w, "%s %s: %v\n", RenderStatus("failed"), path, err)
		}
	}

	watcher, err := tasks.NewInboxWatcher(dir, wo.debounce, submit, rt.logger.Named("inbox"))
	if err != nil {
		return err
	}
	if err := watcher.Watch(); err != nil {
		return err
	}
	defer watcher.Close()

	fmt.Fprintf(w, "%s watching %s (Ctrl+C to stop)\n", RenderStatus("ok"), dir)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, RenderConditional(DimStyle, queue.Summary()))
			return nil
		case n := <-queue.Notifications():
			line := fmt.Sprintf("%s %s  %s", RenderStatus(n.Status.String()), n.Source, RenderConditional(DimStyle, n.Duration.Round(time.Millisecond).String()))
			if n.Error != "" {
				line += "  " + firstLine(n.Error)
			}
			fmt.Fprintln(w, line)
		}
	}
}

// inboxJob runs one plan file and writes its result document.
func inboxJob(rt *app, path string, spec plan.Spec) tasks.JobFunc {
	return func(ctx context.Context, t *tasks.Task) error {
		total := len(spec.Steps)
		t.SetProgress(0, total)
		var done atomic.Int32
		progress := func(ev events.Event) {
			if ev.Type.Terminal() && ev.Type != events.PlanTerminal {
				t.SetProgress(int(done.Add(1)), total)
			}
		}

		res, sess, err := rt.execute(ctx, spec, "", progress)
		doc := inboxResult{Plan: path, Goal: spec.Goal, FinishedAt: time.Now()}
		if sess != nil {
			doc.Session = sess.ID
		}
		if res == nil {
			doc.Status = "invalid"
			doc.Error = err.Error()
			writeInboxResult(rt.logger, path, doc)
			return err
		}

		doc.Status = res.Status.String()
		doc.Steps = res.Record().Steps
		if runErr := res.Err(); runErr != nil {
			doc.Error = runErr.Error()
		} else if err != nil {
			doc.Error = "session not saved: " + err.Error()
		}
		doc.Output = finalOutput(res)
		t.SetOutput(firstLine(doc.Output))
		writeInboxResult(rt.logger, path, doc)

		if runErr := res.Err(); runErr != nil {
			return runErr
		}
		return err
	}
}

func writeInboxResult(logger *zap.Logger, path string, doc inboxResult) {
	if _, err := tasks.WriteResult(path, doc); err != nil {
		logger.Error("failed to write result", zap.String("plan", path), zap.Error(err))
	}
}
