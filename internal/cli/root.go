// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

// BuildInfo identifies the binary. main sets it from ldflags.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	noColor    bool
	parallel   int
}

// Execute runs the command line and returns the process exit code.
// SIGINT and SIGTERM cancel the command's context.
func Execute(info BuildInfo) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(info, os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	DisplayError(os.Stderr, err)
	return exitCode(err)
}

func newRootCmd(info BuildInfo, stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "graphite",
		Short: "Compile and run multi-step plans against a shared memory",
		Long: `graphite compiles plans of search, research, sandbox, code generation,
file, synthesis, memory and sub-plan steps into a dependency graph and runs
them in parallel. Results land in a Memory Bank and a Node Graph that later
runs of the same session build on.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				ForceColorsEnabled(false)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &ExitError{Code: ExitUsage, Err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.graphite/config.toml)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and detailed progress")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRunCmd(opts, info),
		newPlanCmd(opts, info),
		newValidateCmd(opts, info),
		newSessionsCmd(opts, info),
		newWatchCmd(opts, info),
		newConfigCmd(opts),
		newVersionCmd(info),
	)
	return root
}

// usageArgs wraps a cobra positional-args check so violations exit 2.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &ExitError{Code: ExitUsage, Err: err}
		}
		return nil
	}
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "graphite %s\n", info.Version)
			fmt.Fprintf(w, "%s%s\n", RenderLabel("Commit"), info.GitCommit)
			fmt.Fprintf(w, "%s%s\n", RenderLabel("Built"), info.BuildDate)
			fmt.Fprintf(w, "%s%s %s/%s\n", RenderLabel("Go"), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
