// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/graphite/internal/storage"
	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// SESSIONS
// =============================================================================

func newSessionsCmd(opts *globalOptions, info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, inspect and delete stored sessions",
	}

	withStore := func(cmd *cobra.Command, fn func(store storage.Store) error) error {
		rt, err := newApp(cmd.Context(), opts, info)
		if err != nil {
			return err
		}
		defer rt.Close()
		store, err := rt.openStore(cmd.Context())
		if err != nil {
			return err
		}
		return fn(store)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				metas, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				renderSessionList(cmd.OutOrStdout(), metas)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a session's runs and memory",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				sess, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				renderSession(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return &CommandError{Command: "sessions", Action: "delete", Err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %s\n", RenderStatus("ok"), args[0])
				return nil
			})
		},
	})
	return cmd
}

func renderSessionList(w io.Writer, metas []storage.SessionMeta) {
	if len(metas) == 0 {
		fmt.Fprintln(w, RenderConditional(DimStyle, "no sessions"))
		return
	}
	width := GetTerminalWidth()
	for _, m := range metas {
		status := m.Status
		if status == "" {
			status = "new"
		}
		row := fmt.Sprintf("%s  %s  %s  %d runs  %s",
			m.ID,
			m.UpdatedAt.Local().Format("2006-01-02 15:04"),
			RenderStatus(status),
			m.Runs,
			m.Title)
		fmt.Fprintln(w, util.TruncateWidth(row, width))
	}
}

func renderSession(w io.Writer, s *storage.Session) {
	fmt.Fprintln(w, RenderConditional(TitleStyle, s.Title))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("ID"), s.ID)
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Created"), s.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Updated"), s.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "%s%d\n", RenderLabel("Nodes"), len(s.Graph.Nodes))

	fmt.Fprintln(w, RenderConditional(SectionStyle, "Runs"))
	for _, run := range s.Runs {
		fmt.Fprintf(w, "  %s %s  %s\n", RenderStatus(run.Status), run.ID, run.Goal)
		for _, st := range run.Steps {
			line := fmt.Sprintf("      %s %s (%s)", RenderStatus(st.Status), st.ID, st.Kind)
			switch {
			case st.Error != "":
				line += "  " + RenderConditional(DimStyle, firstLine(st.Error))
			case st.Cause != "":
				line += "  " + RenderConditional(DimStyle, "blocked by "+st.Cause)
			}
			fmt.Fprintln(w, line)
			for _, a := range st.Repair {
				outcome := "ok"
				if !a.Succeeded() {
					outcome = firstLine(a.Failure)
				}
				fmt.Fprintln(w, RenderConditional(DimStyle, fmt.Sprintf("          attempt %d  %s", a.Index, outcome)))
			}
			if st.Analysis != "" {
				fmt.Fprintln(w, RenderConditional(DimStyle, "          "+firstLine(st.Analysis)))
			}
		}
	}

	fmt.Fprintln(w, RenderConditional(SectionStyle, "Memory"))
	if len(s.Memory.Entries) == 0 {
		fmt.Fprintln(w, RenderConditional(DimStyle, "  (empty)"))
	}
	width := GetTerminalWidth()
	for _, e := range s.Memory.Entries {
		row := fmt.Sprintf("  %s = %s", e.Key, firstLine(e.Value.String()))
		fmt.Fprintln(w, util.TruncateWidth(row, width))
	}
}
