// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/graphite/internal/engine"
	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// PROGRESS EVENTS
// =============================================================================

// progressPrinter writes one line per progress event. handle is a bus
// handler.
type progressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	width   int
}

func newProgressPrinter(w io.Writer, verbose bool) *progressPrinter {
	return &progressPrinter{w: w, verbose: verbose, width: GetTerminalWidth()}
}

func (p *progressPrinter) handle(ev events.Event) {
	if ev.Type == events.StepReady && !p.verbose {
		return
	}
	line := formatEvent(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, util.TruncateWidth(line, p.width))
}

// formatEvent renders ev as a single line.
func formatEvent(ev events.Event) string {
	ts := ev.Time.Format("15:04:05")
	var tag, detail string

	switch ev.Type {
	case events.StepReady:
		tag, detail = "ready", ev.Kind
	case events.StepStarted:
		tag, detail = "running", ev.Kind
		if ev.Attempt > 1 {
			detail = fmt.Sprintf("%s, attempt %d", ev.Kind, ev.Attempt)
		}
	case events.StepRetrying:
		tag, detail = "retrying", ev.Error
		if ev.Detail != "" {
			detail = ev.Detail + ": " + ev.Error
		}
	case events.StepRepair:
		tag, detail = "repair", ev.Detail
	case events.StepSucceeded:
		tag, detail = "succeeded", ev.Detail
	case events.StepFailed:
		tag, detail = "failed", ev.Error
	case events.StepBlocked:
		tag, detail = "blocked", "waiting on failed step "+ev.Cause
	case events.StepCancelled:
		tag = "cancelled"
	case events.PlanTerminal:
		return fmt.Sprintf("%s %s plan %s", RenderConditional(DimStyle, ts), RenderStatus(ev.Status), ev.PlanID)
	default:
		return ""
	}

	line := fmt.Sprintf("%s %s %s", RenderConditional(DimStyle, ts), RenderStatus(tag), ev.Step)
	if detail = firstLine(detail); detail != "" {
		line += "  " + RenderConditional(DimStyle, detail)
	}
	return line
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// =============================================================================
// RESULTS
// =============================================================================

// renderResult writes the per-step table and totals of a finished run.
func renderResult(w io.Writer, res *engine.Result, sessionID string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, RenderConditional(SectionStyle, "Plan "+res.PlanID)+"  "+RenderStatus(res.Status.String()))
	fmt.Fprintln(w, RenderSeparator())

	idWidth := 4
	for _, st := range res.Steps {
		if n := util.StringWidth(st.ID); n > idWidth {
			idWidth = n
		}
	}
	width := GetTerminalWidth()
	for _, st := range res.Steps {
		row := fmt.Sprintf("%s  %-10s %s", padRight(st.ID, idWidth), st.Kind, RenderStatus(st.Status.String()))
		if st.Attempts > 1 {
			row += RenderConditional(DimStyle, fmt.Sprintf(" x%d", st.Attempts))
		}
		if note := stepNote(st); note != "" {
			row += "  " + RenderConditional(DimStyle, note)
		}
		fmt.Fprintln(w, util.TruncateWidth(row, width))
	}

	fmt.Fprintln(w, RenderSeparator())
	fmt.Fprintf(w, "%s%d succeeded, %d failed, %d blocked, %d cancelled in %s\n",
		RenderLabel("Steps"),
		res.Count(engine.StepSucceeded), res.Count(engine.StepFailed),
		res.Count(engine.StepBlocked), res.Count(engine.StepCancelled),
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if sessionID != "" {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Session"), sessionID)
	}
}

func stepNote(st engine.StepState) string {
	switch st.Status {
	case engine.StepFailed:
		if st.Error != nil {
			return firstLine(st.Error.Error())
		}
	case engine.StepBlocked:
		return "blocked by " + st.Cause
	case engine.StepSucceeded:
		return firstLine(st.Output)
	}
	return ""
}

// finalOutput picks the text to show after a run: the last succeeded
// synthesize step, else the last succeeded step in plan order.
func finalOutput(res *engine.Result) string {
	var fallback string
	for i := len(res.Steps) - 1; i >= 0; i-- {
		st := res.Steps[i]
		if st.Status != engine.StepSucceeded || strings.TrimSpace(st.Output) == "" {
			continue
		}
		if st.Kind == plan.KindSynthesize {
			return st.Output
		}
		if fallback == "" {
			fallback = st.Output
		}
	}
	return fallback
}

// renderRepairs prints the attempt log of each code-generation step.
func renderRepairs(w io.Writer, res *engine.Result) {
	for _, st := range res.Steps {
		if len(st.Repair) == 0 {
			continue
		}
		fmt.Fprintln(w, RenderConditional(SectionStyle, "Repair log "+st.ID))
		for _, a := range st.Repair {
			status := "succeeded"
			if !a.Succeeded() {
				status = "failed"
			}
			fmt.Fprintf(w, "%s attempt %d\n", RenderStatus(status), a.Index)
			fmt.Fprintln(w, highlightCode(a.Code, ""))
			if a.Failure != "" {
				fmt.Fprintln(w, RenderConditional(WarningStyle, util.TailLines(a.Failure, 5)))
			}
		}
	}
}

// =============================================================================
// MARKDOWN AND CODE
// =============================================================================

// renderMarkdown renders content for the terminal. Plain text is returned
// when colors are off or rendering fails.
func renderMarkdown(content string) string {
	if !ColorsEnabled() {
		return content
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(GetTerminalWidth()-4),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}

// highlightCode applies terminal syntax highlighting. An empty language is
// detected from the code.
func highlightCode(code, language string) string {
	if !ColorsEnabled() {
		return code
	}
	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Get("python")
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}
