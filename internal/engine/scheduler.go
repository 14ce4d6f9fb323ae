// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/memory"
	"github.com/jeranaias/graphite/internal/nodegraph"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/repair"
	"github.com/jeranaias/graphite/internal/storage"
	"github.com/jeranaias/graphite/internal/tools"
	"github.com/jeranaias/graphite/internal/util"
)

const goalLabel = "goal"

// =============================================================================
// SCHEDULER
// =============================================================================

// scheduler drives one plan (or one sub-plan) to a terminal status.
//
// The goroutine in run is the only one that changes step status, commits to
// the Memory Bank or appends to step nodes. Workers execute capability calls
// and report back over msgs.
type scheduler struct {
	e      *Engine
	runID  string
	plan   *plan.Plan
	bank   *memory.Bank
	sess   *Session
	graph  *nodegraph.Graph
	root   string
	prefix string
	limit  int
	logger *zap.Logger

	// reqs carries checkpoint requests; nil for sub-plans.
	reqs chan chan *storage.Session

	states  map[string]*StepState
	order   []*StepState
	index   map[string]int
	waiting map[string]int
	queue   []*plan.Step
	running int
	msgs    chan message

	startedAt time.Time
}

// message is a worker report: a progress event or the final outcome.
type message struct {
	step     *plan.Step
	progress *events.Event
	done     *outcome
}

// job is a dispatched step with its inputs resolved against the Memory
// Bank at dispatch time.
type job struct {
	step   *plan.Step
	id     string
	node   string
	params map[string]interface{}

	// text is the expanded codegen task or memory input.
	text    string
	loaded  memory.Value
	history []llm.Message

	// fork is the child scope of a sub-plan step.
	fork *memory.Bank
}

// outcome is what a worker hands back.
type outcome struct {
	value    memory.Value
	role     nodegraph.Role
	extra    map[string]memory.Value
	attempts int
	repair   []repair.Attempt
	sub      *Result
	err      error
	kind     tools.ErrorKind
}

func (e *Engine) newScheduler(runID string, p *plan.Plan, bank *memory.Bank, sess *Session, root, prefix string, reqs chan chan *storage.Session) *scheduler {
	limit := p.Parallelism
	if limit <= 0 {
		limit = e.cfg.Parallelism
	}
	s := &scheduler{
		e:       e,
		runID:   runID,
		plan:    p,
		bank:    bank,
		sess:    sess,
		graph:   sess.Graph,
		root:    root,
		prefix:  prefix,
		limit:   limit,
		logger:  e.logger.With(zap.String("run", runID), zap.String("plan", p.ID)),
		reqs:    reqs,
		states:  make(map[string]*StepState, p.Len()),
		index:   make(map[string]int, p.Len()),
		waiting: make(map[string]int, p.Len()),
		msgs:    make(chan message, limit*4),
	}
	for i, st := range p.Steps {
		state := &StepState{ID: prefix + st.ID, Kind: st.Kind, Status: StepPending}
		s.states[st.ID] = state
		s.order = append(s.order, state)
		s.index[st.ID] = i
		s.waiting[st.ID] = len(st.DependsOn)
	}
	return s
}

// run executes the plan and returns its terminal result. ctx cancellation
// cancels the run.
func (s *scheduler) run(ctx context.Context) *Result {
	ctx, span := tracer.Start(ctx, "plan.run", trace.WithAttributes(
		attribute.String("run.id", s.runID),
		attribute.String("plan.id", s.plan.ID),
		attribute.Int("plan.steps", s.plan.Len()),
		attribute.Int("plan.parallelism", s.limit),
	))
	defer span.End()

	s.startedAt = s.e.stamp()
	s.logger.Info("plan started", zap.Int("steps", s.plan.Len()), zap.Int("parallelism", s.limit))

	var g errgroup.Group
	g.SetLimit(s.limit)

	for _, st := range s.plan.Steps {
		if len(st.DependsOn) == 0 {
			s.markReady(st)
		}
	}
	s.dispatch(ctx, &g)

	cancelled := ctx.Done()
	for s.running > 0 || len(s.queue) > 0 {
		select {
		case m := <-s.msgs:
			s.handle(ctx, m)
		case <-cancelled:
			cancelled = nil
			s.cancelPending()
		case reply := <-s.reqs:
			reply <- s.sess.Snapshot(s.result(PlanRunning).Record())
		}
		s.dispatch(ctx, &g)
	}
	// Workers have all reported; Wait only reaps their goroutines.
	_ = g.Wait()

	// Every reachable step is terminal once nothing runs or waits. Anything
	// else means a dependency never resolved.
	for _, state := range s.order {
		if !state.Status.IsTerminal() {
			s.logger.Error("step left unresolved", zap.String("step", state.ID), zap.Stringer("status", state.Status))
			state.Status = StepFailed
			state.ErrorKind = tools.ErrorFatal
			state.Error = fmt.Errorf("step %s never became ready", state.ID)
			state.FinishedAt = s.e.stamp()
		}
	}

	status := aggregate(s.order)
	res := s.result(status)
	res.FinishedAt = s.e.stamp()

	span.SetAttributes(attribute.String("plan.status", status.String()))
	if status != PlanSucceeded {
		span.SetStatus(codes.Error, status.String())
	}
	s.publish(events.Event{Type: events.PlanTerminal, Status: status.String(),
		Detail: fmt.Sprintf("%d/%d steps succeeded", res.Count(StepSucceeded), len(res.Steps))})
	s.logger.Info("plan finished",
		zap.Stringer("status", status),
		zap.Int("succeeded", res.Count(StepSucceeded)),
		zap.Int("failed", res.Count(StepFailed)),
		zap.Int("blocked", res.Count(StepBlocked)),
		zap.Int("cancelled", res.Count(StepCancelled)),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
	return res
}

func (s *scheduler) result(status PlanStatus) *Result {
	res := &Result{
		RunID:     s.runID,
		PlanID:    s.plan.ID,
		Goal:      s.plan.Goal,
		Status:    status,
		RootNode:  s.root,
		StartedAt: s.startedAt,
		Steps:     make([]StepState, 0, len(s.order)),
	}
	for _, state := range s.order {
		res.Steps = append(res.Steps, state.clone())
	}
	return res
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *scheduler) markReady(st *plan.Step) {
	state := s.states[st.ID]
	state.Status = StepReady
	state.ReadyAt = s.e.stamp()
	s.queue = append(s.queue, st)
	s.publish(events.Event{Type: events.StepReady, Step: state.ID, Kind: string(st.Kind), Status: state.Status.String()})
}

// dispatch starts queued steps while there is capacity.
func (s *scheduler) dispatch(ctx context.Context, g *errgroup.Group) {
	for s.running < s.limit && len(s.queue) > 0 && ctx.Err() == nil {
		st := s.queue[0]
		s.queue = s.queue[1:]
		s.start(ctx, g, st)
	}
}

func (s *scheduler) start(ctx context.Context, g *errgroup.Group, st *plan.Step) {
	state := s.states[st.ID]

	parent := s.parentNode(st)
	node, err := s.graph.CreateNode(parent, st.Label())
	if err == nil {
		err = s.graph.AppendContent(node, userEntry(st.Label()))
	}
	if err == nil {
		err = s.graph.SetStatus(node, nodegraph.StatusRunning)
	}
	state.NodeID = node
	state.Status = StepRunning
	state.StartedAt = s.e.stamp()
	s.publish(events.Event{Type: events.StepStarted, Step: state.ID, Kind: string(st.Kind), Status: state.Status.String()})
	if err != nil {
		s.fail(ctx, st, fmt.Errorf("create output node: %w", err), tools.ErrorFatal)
		return
	}

	j, err := s.prepare(st, state.ID, node, parent)
	if err != nil {
		s.fail(ctx, st, err, tools.ErrorFatal)
		return
	}

	s.running++
	g.Go(func() error {
		out := s.execute(ctx, j)
		s.msgs <- message{step: st, done: &out}
		return nil
	})
}

// parentNode is the output node of the dependency latest in plan order, or
// the plan's root node.
func (s *scheduler) parentNode(st *plan.Step) string {
	parent, best := s.root, -1
	for _, dep := range st.DependsOn {
		if i := s.index[dep]; i > best && s.states[dep].NodeID != "" {
			parent, best = s.states[dep].NodeID, i
		}
	}
	return parent
}

func (s *scheduler) handle(ctx context.Context, m message) {
	state := s.states[m.step.ID]
	if m.progress != nil {
		ev := *m.progress
		ev.Step, ev.Kind = state.ID, string(m.step.Kind)
		ev.Status = state.Status.String()
		s.publish(ev)
		if ev.Detail != "" && state.NodeID != "" {
			if err := s.graph.AppendLog(state.NodeID, string(ev.Type)+": "+ev.Detail); err != nil {
				s.logger.Debug("node log append failed", zap.String("step", state.ID), zap.Error(err))
			}
		}
		return
	}

	out := m.done
	s.running--
	state.Attempts = out.attempts
	state.Repair = out.repair
	state.Subplan = out.sub

	switch {
	case out.err == nil:
		s.succeed(ctx, m.step, out)
	case out.kind == tools.ErrorCancelled:
		s.cancel(ctx, m.step, out.err)
	default:
		s.fail(ctx, m.step, out.err, out.kind)
	}
}

// succeed commits the step's outputs, then its node content, and only then
// releases dependents.
func (s *scheduler) succeed(ctx context.Context, st *plan.Step, out *outcome) {
	state := s.states[st.ID]

	values := make(map[string]memory.Value, len(st.Writes))
	for _, key := range st.Writes {
		if v, ok := out.extra[key]; ok {
			values[key] = v
		} else {
			values[key] = out.value
		}
	}
	if err := s.bank.Commit(state.ID, values); err != nil {
		s.fail(ctx, st, fmt.Errorf("commit outputs: %w", err), tools.ErrorFatal)
		return
	}

	text := out.value.String()
	if err := s.graph.AppendContent(state.NodeID, nodegraph.Entry{Role: out.role, Text: text}); err != nil {
		s.logger.Warn("output append failed", zap.String("step", state.ID), zap.Error(err))
	}
	if err := s.graph.SetStatus(state.NodeID, nodegraph.StatusSucceeded); err != nil {
		s.logger.Warn("node status update failed", zap.String("step", state.ID), zap.Error(err))
	}

	state.Status = StepSucceeded
	state.Output = text
	state.FinishedAt = s.e.stamp()
	s.observe(ctx, state)
	s.publish(events.Event{Type: events.StepSucceeded, Step: state.ID, Kind: string(st.Kind),
		Attempt: state.Attempts, Status: state.Status.String(), Detail: util.TruncateRunes(firstLine(text), 120)})
	s.logger.Debug("step succeeded", zap.String("step", state.ID), zap.Int("attempts", state.Attempts))

	for _, dep := range s.plan.Dependents(st.ID) {
		s.waiting[dep]--
		if s.waiting[dep] == 0 && s.states[dep].Status == StepPending {
			s.markReady(s.plan.Step(dep))
		}
	}
}

// fail marks st Failed and every transitive dependent Blocked.
func (s *scheduler) fail(ctx context.Context, st *plan.Step, err error, kind tools.ErrorKind) {
	state := s.states[st.ID]
	s.closeNode(state, nodegraph.StatusFailed, "failed: "+err.Error())

	state.Status = StepFailed
	state.Error = err
	state.ErrorKind = kind
	state.FinishedAt = s.e.stamp()
	s.observe(ctx, state)
	s.publish(events.Event{Type: events.StepFailed, Step: state.ID, Kind: string(st.Kind),
		Attempt: state.Attempts, Status: state.Status.String(), Error: err.Error()})
	s.logger.Warn("step failed",
		zap.String("step", state.ID),
		zap.Stringer("kind", kind),
		zap.Int("attempts", state.Attempts),
		zap.Error(err))

	for _, id := range s.plan.Transitive(st.ID) {
		dep := s.states[id]
		if dep.Status.IsTerminal() {
			continue
		}
		dep.Status = StepBlocked
		dep.Cause = state.ID
		dep.Error = &BlockedError{Step: dep.ID, Cause: state.ID, Err: err}
		dep.FinishedAt = state.FinishedAt
		s.observe(ctx, dep)
		s.publish(events.Event{Type: events.StepBlocked, Step: dep.ID, Kind: string(dep.Kind),
			Status: dep.Status.String(), Cause: state.ID, Error: dep.Error.Error()})
	}
}

// cancel marks a started step Cancelled.
func (s *scheduler) cancel(ctx context.Context, st *plan.Step, err error) {
	state := s.states[st.ID]
	s.closeNode(state, nodegraph.StatusCancelled, "cancelled")

	if !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	state.Status = StepCancelled
	state.Error = err
	state.ErrorKind = tools.ErrorCancelled
	state.FinishedAt = s.e.stamp()
	s.observe(ctx, state)
	s.publish(events.Event{Type: events.StepCancelled, Step: state.ID, Kind: string(st.Kind), Status: state.Status.String()})
}

// cancelPending ends every step that has not started.
func (s *scheduler) cancelPending() {
	s.queue = nil
	now := s.e.stamp()
	for _, state := range s.order {
		if state.Status != StepPending && state.Status != StepReady {
			continue
		}
		state.Status = StepCancelled
		state.Error = ErrCancelled
		state.ErrorKind = tools.ErrorCancelled
		state.FinishedAt = now
		s.publish(events.Event{Type: events.StepCancelled, Step: state.ID, Kind: string(state.Kind), Status: state.Status.String()})
	}
	s.logger.Info("run cancelled", zap.Int("running", s.running))
}

func (s *scheduler) closeNode(state *StepState, status nodegraph.Status, note string) {
	if state.NodeID == "" {
		return
	}
	if err := s.graph.AppendLog(state.NodeID, note); err != nil {
		s.logger.Debug("node log append failed", zap.String("step", state.ID), zap.Error(err))
	}
	if err := s.graph.SetStatus(state.NodeID, status); err != nil {
		s.logger.Warn("node status update failed", zap.String("step", state.ID), zap.Error(err))
	}
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func (s *scheduler) publish(ev events.Event) {
	ev.RunID = s.runID
	if ev.PlanID == "" {
		ev.PlanID = s.plan.ID
	}
	s.e.publisher.Publish(ev)
}

func (s *scheduler) observe(ctx context.Context, state *StepState) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(state.Kind)),
		attribute.String("status", state.Status.String()),
	)
	if s.e.stepTotal != nil {
		s.e.stepTotal.Add(ctx, 1, attrs)
	}
	if s.e.stepDuration != nil && !state.StartedAt.IsZero() {
		s.e.stepDuration.Record(ctx, state.FinishedAt.Sub(state.StartedAt).Seconds(), attrs)
	}
}
