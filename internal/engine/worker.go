// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/memory"
	"github.com/jeranaias/graphite/internal/nodegraph"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/repair"
	"github.com/jeranaias/graphite/internal/tools"
)

// =============================================================================
// DISPATCH-TIME INPUTS
// =============================================================================

// prepare resolves a step's inputs against the committed Memory Bank. It runs
// on the scheduler goroutine, so a step sees exactly the values committed by
// the time it was dispatched.
func (s *scheduler) prepare(st *plan.Step, id, node, parent string) (*job, error) {
	j := &job{step: st, id: id, node: node}
	lookup := func(key string) (string, error) {
		v, err := s.bank.Read(key)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnresolvedInput, err)
		}
		return v.String(), nil
	}

	var err error
	switch st.Kind {
	case plan.KindCodegen:
		if j.text, err = plan.Expand(st.Codegen.Task, lookup); err != nil {
			return nil, err
		}
		entries, err := s.graph.EffectiveContext(parent, s.e.cfg.ContextEntries)
		if err != nil {
			return nil, fmt.Errorf("effective context: %w", err)
		}
		j.history = toMessages(entries)

	case plan.KindMemory:
		if st.Memory.Action == plan.MemoryLoad {
			if j.loaded, err = s.bank.Read(st.Memory.Key); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUnresolvedInput, err)
			}
			return j, nil
		}
		if j.text, err = plan.Expand(st.Memory.Input, lookup); err != nil {
			return nil, err
		}

	case plan.KindSubplan:
		// Fork with no keys copies everything; a sub-plan without imports
		// starts from an empty scope instead.
		if len(st.Subplan.Imports) == 0 {
			j.fork = memory.New(memory.WithClock(s.e.now))
			return j, nil
		}
		if j.fork, err = s.bank.Fork(st.Subplan.Imports...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnresolvedInput, err)
		}

	default:
		if j.params, err = plan.ExpandParams(st.Params, lookup); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// execute runs one step with the transient retry policy. It runs on a
// worker goroutine and touches scheduler state only through msgs.
func (s *scheduler) execute(ctx context.Context, j *job) outcome {
	ctx, span := tracer.Start(ctx, "plan.step", trace.WithAttributes(
		attribute.String("step.id", j.id),
		attribute.String("step.kind", string(j.step.Kind)),
	))
	defer span.End()

	budget := s.e.cfg.MaxRetries
	if j.step.Retries != nil {
		budget = *j.step.Retries
	}

	var out outcome
	for attempt := 1; ; attempt++ {
		out = s.attempt(ctx, j)
		out.attempts = attempt
		if out.err == nil {
			span.SetAttributes(attribute.Int("step.attempts", attempt))
			return out
		}
		out.kind = classify(out.err)
		if out.kind != tools.ErrorTransient || attempt > budget {
			break
		}

		delay := s.e.cfg.backoff(attempt)
		s.progress(j, events.Event{
			Type:    events.StepRetrying,
			Attempt: attempt,
			Detail:  fmt.Sprintf("attempt %d failed, retrying in %s", attempt, delay),
			Error:   out.err.Error(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			out.err, out.kind = ctx.Err(), tools.ErrorCancelled
			return out
		}
	}

	span.RecordError(out.err)
	span.SetStatus(codes.Error, out.kind.String())
	span.SetAttributes(attribute.Int("step.attempts", out.attempts))
	return out
}

// attempt makes one try at a step.
func (s *scheduler) attempt(ctx context.Context, j *job) outcome {
	st := j.step
	switch st.Kind {
	case plan.KindMemory:
		if st.Memory.Action == plan.MemoryLoad {
			return outcome{value: j.loaded, role: nodegraph.RoleTool}
		}
		return outcome{value: memory.Text(j.text), role: nodegraph.RoleTool}

	case plan.KindCodegen:
		return s.codegen(ctx, j)

	case plan.KindSubplan:
		return s.subplan(ctx, j)
	}

	timeout := st.Timeout
	if timeout <= 0 {
		timeout = s.e.cfg.DefaultTimeout
	}
	res, err := s.e.invoker.Invoke(ctx, st.Capability, j.params, timeout)
	if err != nil {
		return outcome{err: err}
	}
	role := nodegraph.RoleTool
	if st.Kind == plan.KindSynthesize {
		role = nodegraph.RoleAssistant
	}
	return outcome{value: valueOf(st.Kind, res), role: role}
}

// codegen hands the step to the Repair Loop.
func (s *scheduler) codegen(ctx context.Context, j *job) outcome {
	if s.e.loop == nil {
		return outcome{err: ErrNoRepairLoop}
	}
	cg := j.step.Codegen
	o, err := s.e.loop.Run(ctx, repair.Task{
		Prompt:      j.text,
		Language:    cg.Language,
		History:     j.history,
		MaxAttempts: cg.MaxAttempts,
		Analyze:     cg.Analyze,
		OnTransition: func(state repair.State, attempt int) {
			s.progress(j, events.Event{Type: events.StepRepair, Attempt: attempt, Detail: string(state)})
		},
	})
	if err != nil {
		out := outcome{err: err}
		var exhausted *repair.ExhaustedError
		if errors.As(err, &exhausted) {
			out.repair = exhausted.Attempts
		}
		return out
	}
	return outcome{value: structured(o.Result()), role: nodegraph.RoleAssistant, repair: o.Attempts}
}

// subplan runs the nested plan in the forked scope and collects its exports.
// Nothing reaches the parent scope unless the nested plan succeeds.
func (s *scheduler) subplan(ctx context.Context, j *job) outcome {
	sp := j.step.Subplan
	child := s.e.newScheduler(s.runID, sp.Plan, j.fork, s.sess, j.node, j.id+"/", nil)
	res := child.run(ctx)

	out := outcome{sub: res, role: nodegraph.RoleTool}
	switch res.Status {
	case PlanSucceeded:
		extra, err := j.fork.Collect(sp.Exports)
		if err != nil {
			out.err = fmt.Errorf("collect exports: %w", err)
			return out
		}
		out.extra = extra
		out.value = memory.Text(fmt.Sprintf("subplan %s: %d steps succeeded; exported %s",
			j.step.ID, len(res.Steps), strings.Join(sp.Exports, ", ")))
	case PlanCancelled:
		out.err = &SubplanError{Step: j.id, Status: res.Status, Err: ErrCancelled}
	default:
		out.err = &SubplanError{Step: j.id, Status: res.Status, Err: res.Err()}
	}
	return out
}

// progress forwards a worker event to the scheduler goroutine.
func (s *scheduler) progress(j *job, ev events.Event) {
	s.msgs <- message{step: j.step, progress: &ev}
}

// =============================================================================
// VALUES
// =============================================================================

// valueOf turns a capability result into a Memory Bank value.
func valueOf(kind plan.Kind, res tools.Result) memory.Value {
	if res.FilePath != "" {
		return memory.FileRef(res.FilePath)
	}
	switch kind {
	case plan.KindTool:
		if res.Structured != nil {
			if v, err := memory.NewRecord(res.Structured); err == nil {
				return v
			}
		}
		return structured(res.Output)
	case plan.KindSandbox:
		return structured(res.Output)
	}
	return memory.Text(res.Output)
}

// structured types program output: a JSON object becomes a record, a bare
// number a number, anything else text.
func structured(out string) memory.Value {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") {
		if v, err := memory.RecordFromJSON([]byte(trimmed)); err == nil {
			return v
		}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return memory.Number(f)
	}
	return memory.Text(out)
}

func userEntry(text string) nodegraph.Entry {
	return nodegraph.Entry{Role: nodegraph.RoleUser, Text: text}
}

// toMessages maps node entries onto conversation turns.
func toMessages(entries []nodegraph.Entry) []llm.Message {
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		if e.Role == nodegraph.RoleUser {
			msgs = append(msgs, llm.User(e.Text))
		} else {
			msgs = append(msgs, llm.Assistant(e.Text))
		}
	}
	return msgs
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
