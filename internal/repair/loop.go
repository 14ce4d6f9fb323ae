// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// STATES
// =============================================================================

// State is a repair loop state.
type State string

const (
	StateDraft     State = "draft"
	StateExecute   State = "execute"
	StateEvaluate  State = "evaluate"
	StateCritique  State = "critique"
	StateDone      State = "done"
	StateExhausted State = "exhausted"
)

// Terminal reports whether the loop stops in s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateExhausted
}

// DefaultMaxAttempts is the attempt ceiling when none is configured.
const DefaultMaxAttempts = 4

// DefaultFailureMarkers flag a failed run even when the exit code is zero.
// Matching is case-insensitive.
var DefaultFailureMarkers = []string{
	"traceback (most recent call last)",
	"error:",
	"exception:",
	"failed",
}

// =============================================================================
// ATTEMPT LOG
// =============================================================================

// Execution is what one sandbox run produced.
type Execution struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Output is stdout followed by stderr.
func (e Execution) Output() string {
	switch {
	case e.Stderr == "":
		return e.Stdout
	case e.Stdout == "":
		return e.Stderr
	}
	return e.Stdout + "\n" + e.Stderr
}

// Attempt is one draft and its evaluation. Index starts at 1.
type Attempt struct {
	Index     int       `json:"index"`
	Code      string    `json:"code"`
	Final     bool      `json:"final,omitempty"` // drafted with the new-approach prompt
	Execution Execution `json:"execution"`
	Failure   string    `json:"failure,omitempty"`
	Critique  string    `json:"critique,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Succeeded reports whether the attempt passed evaluation.
func (a Attempt) Succeeded() bool {
	return a.Failure == ""
}

// Outcome is a loop that ended Done.
type Outcome struct {
	Code     string
	Output   string
	Analysis string
	Attempts []Attempt

	// Direct is set when the first draft answered without code.
	Direct bool
}

// Result is the text a step commits: the analysis when there is one,
// otherwise the program output.
func (o *Outcome) Result() string {
	if strings.TrimSpace(o.Analysis) != "" {
		return o.Analysis
	}
	return o.Output
}

// =============================================================================
// ERRORS
// =============================================================================

// SandboxError is a failed Execute state: non-zero exit, timeout or a
// failure marker in the output. It never leaves the loop on its own; it
// feeds Critique and ends up in ExhaustedError.
type SandboxError struct {
	ExitCode int
	TimedOut bool
	Marker   string
	Output   string
}

func (e *SandboxError) Error() string {
	switch {
	case e.TimedOut:
		return "execution timed out"
	case e.ExitCode != 0:
		return fmt.Sprintf("exited with code %d", e.ExitCode)
	case e.Marker != "":
		return fmt.Sprintf("output contains failure marker %q", e.Marker)
	}
	return "execution failed"
}

// ExhaustedError is returned when every attempt failed. It carries the
// full attempt history and, when analysis is enabled, an explanation of
// the final failure.
type ExhaustedError struct {
	Attempts []Attempt
	Last     *SandboxError
	Analysis string
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("repair exhausted after %d attempts", len(e.Attempts))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// ErrNoCode is returned when a repair draft contains no program.
var ErrNoCode = errors.New("draft contains no code")

// =============================================================================
// COLLABORATORS
// =============================================================================

// DraftRequest is the input to one Draft state.
type DraftRequest struct {
	Task     string
	Language string
	History  []llm.Message

	// Attempt is the index of the attempt being drafted.
	Attempt int

	// PriorCode and Critique are empty for the first draft.
	PriorCode string
	Critique  string

	// Final asks for a different approach on the last attempt.
	Final bool
}

// Drafter produces candidate programs. The response is raw model text;
// the loop extracts the code.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// Analyzer explains a finished program and its output.
type Analyzer interface {
	Analyze(ctx context.Context, task, code, output string) (string, error)
}

// Runner executes a program. Non-zero exits and timeouts are reported in
// Execution; the error is for runs that could not happen at all.
type Runner interface {
	Run(ctx context.Context, language, code string) (Execution, error)
}

// =============================================================================
// LOOP
// =============================================================================

// Config tunes a Loop.
type Config struct {
	MaxAttempts    int
	FailureMarkers []string
	Analyze        bool

	// OnTransition is called on every state change, from the goroutine
	// running the loop.
	OnTransition func(state State, attempt int)

	// CritiqueLimit bounds the output quoted back to the drafter.
	CritiqueLimit int
}

// Loop is the Draft, Execute, Evaluate, Critique state machine for one
// code-generation step. A Loop holds no per-run state and may be reused.
type Loop struct {
	drafter  Drafter
	runner   Runner
	analyzer Analyzer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a loop. analyzer may be nil.
func New(drafter Drafter, runner Runner, analyzer Analyzer, cfg Config, logger *zap.Logger) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.FailureMarkers == nil {
		cfg.FailureMarkers = DefaultFailureMarkers
	}
	if cfg.CritiqueLimit <= 0 {
		cfg.CritiqueLimit = 4000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		drafter:  drafter,
		runner:   runner,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for attempt timestamps.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	cp := *l
	cp.now = now
	return &cp
}

// MaxAttempts returns the configured ceiling.
func (l *Loop) MaxAttempts() int { return l.cfg.MaxAttempts }

// Task is one code-generation request.
type Task struct {
	Prompt      string
	Language    string
	History     []llm.Message
	MaxAttempts int  // overrides the loop ceiling when positive
	Analyze     *bool // overrides Config.Analyze when set

	// OnTransition is called after Config.OnTransition for this run only.
	OnTransition func(state State, attempt int)
}

// Run drives the machine until Done or exhaustion.
//
// The returned error is *ExhaustedError when every attempt failed, the
// drafter's or runner's error when a state could not complete, or the
// context error on cancellation. Attempts made so far are in the
// ExhaustedError; other errors end the loop immediately.
func (l *Loop) Run(ctx context.Context, task Task) (*Outcome, error) {
	maxAttempts := l.cfg.MaxAttempts
	if task.MaxAttempts > 0 {
		maxAttempts = task.MaxAttempts
	}
	analyze := l.cfg.Analyze
	if task.Analyze != nil {
		analyze = *task.Analyze
	}
	transition := func(state State, attempt int) {
		l.transition(state, attempt)
		if task.OnTransition != nil {
			task.OnTransition(state, attempt)
		}
	}

	var (
		attempts []Attempt
		code     string
		critique string
		lastFail *SandboxError
		state    = StateDraft
		cur      Attempt
	)

	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if state == StateDraft {
			transition(state, len(attempts)+1)
		} else {
			transition(state, cur.Index)
		}

		switch state {
		case StateDraft:
			index := len(attempts) + 1
			final := index == maxAttempts && index > 1
			resp, err := l.drafter.Draft(ctx, DraftRequest{
				Task:      task.Prompt,
				Language:  task.Language,
				History:   task.History,
				Attempt:   index,
				PriorCode: code,
				Critique:  critique,
				Final:     final,
			})
			if err != nil {
				return nil, fmt.Errorf("draft attempt %d: %w", index, err)
			}

			extracted, tagged := ExtractCode(resp, task.Language)
			if index == 1 && !tagged {
				// The model answered without writing a program.
				transition(StateDone, 0)
				return &Outcome{Output: strings.TrimSpace(resp), Analysis: strings.TrimSpace(resp), Direct: true}, nil
			}
			if strings.TrimSpace(extracted) == "" {
				return nil, fmt.Errorf("draft attempt %d: %w", index, ErrNoCode)
			}
			code = extracted
			cur = Attempt{Index: index, Code: code, Final: final, Started: l.stamp()}
			state = StateExecute

		case StateExecute:
			exec, err := l.runner.Run(ctx, task.Language, code)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("execute attempt %d: %w", cur.Index, err)
			}
			cur.Execution = exec
			state = StateEvaluate

		case StateEvaluate:
			lastFail = l.evaluate(cur.Execution)
			cur.Finished = l.stamp()
			if lastFail == nil {
				attempts = append(attempts, cur)
				state = StateDone
				break
			}
			cur.Failure = lastFail.Error()
			l.logger.Debug("repair attempt failed",
				zap.Int("attempt", cur.Index),
				zap.String("reason", cur.Failure))
			if cur.Index >= maxAttempts {
				attempts = append(attempts, cur)
				state = StateExhausted
				break
			}
			state = StateCritique

		case StateCritique:
			critique = l.critique(lastFail)
			cur.Critique = critique
			attempts = append(attempts, cur)
			state = StateDraft
		}
	}
	transition(state, cur.Index)

	if state == StateExhausted {
		exhausted := &ExhaustedError{Attempts: attempts, Last: lastFail}
		if analyze && l.analyzer != nil {
			exhausted.Analysis = l.failureAnalysis(ctx, task.Prompt, code, len(attempts), lastFail)
		}
		return nil, exhausted
	}

	out := &Outcome{
		Code:     code,
		Output:   cur.Execution.Output(),
		Attempts: attempts,
	}
	if analyze && l.analyzer != nil {
		analysis, err := l.analyzer.Analyze(ctx, task.Prompt, code, out.Output)
		if err != nil {
			// The program already succeeded; its output stands.
			l.logger.Warn("code analysis failed", zap.Error(err))
		} else {
			out.Analysis = strings.TrimSpace(analysis)
		}
	}
	return out, nil
}

// failureAnalysis asks the analyzer to explain why the last program still
// failed. Analyzer errors are logged and yield an empty analysis.
func (l *Loop) failureAnalysis(ctx context.Context, prompt, code string, n int, last *SandboxError) string {
	output := fmt.Sprintf("The code failed to execute after %d attempts.", n)
	if last != nil {
		output += " The final error was:\n" + last.Output
	}
	analysis, err := l.analyzer.Analyze(ctx, prompt, code, output)
	if err != nil {
		l.logger.Warn("failure analysis failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(analysis)
}

// evaluate applies the success criterion: a clean exit and no failure
// marker in the combined output.
func (l *Loop) evaluate(exec Execution) *SandboxError {
	output := exec.Output()
	if exec.TimedOut || exec.ExitCode != 0 {
		return &SandboxError{ExitCode: exec.ExitCode, TimedOut: exec.TimedOut, Output: output}
	}
	lower := strings.ToLower(output)
	for _, m := range l.cfg.FailureMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return &SandboxError{Marker: m, Output: output}
		}
	}
	return nil
}

// critique turns a failed execution into feedback for the next draft.
func (l *Loop) critique(fail *SandboxError) string {
	var sb strings.Builder
	sb.WriteString(capitalize(fail.Error()))
	sb.WriteString(".")
	out := strings.TrimSpace(fail.Output)
	if out == "" {
		if fail.TimedOut {
			sb.WriteString(" The program produced no output before the time limit; look for infinite loops or blocking input.")
		} else {
			sb.WriteString(" The program produced no output.")
		}
		return sb.String()
	}
	sb.WriteString("\n")
	sb.WriteString(util.TruncateRunes(out, l.cfg.CritiqueLimit))
	return sb.String()
}

func (l *Loop) transition(state State, attempt int) {
	if l.cfg.OnTransition != nil {
		l.cfg.OnTransition(state, attempt)
	}
}

func (l *Loop) stamp() time.Time {
	return l.now().UTC().Round(0)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
