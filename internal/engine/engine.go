// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/repair"
	"github.com/jeranaias/graphite/internal/storage"
	"github.com/jeranaias/graphite/internal/tools"
)

var (
	tracer = otel.Tracer("graphite.engine")
	meter  = otel.Meter("graphite.engine")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes scheduling and retries.
type Config struct {
	// Parallelism bounds concurrently running steps per plan. A plan's own
	// Parallelism wins when set.
	Parallelism int

	// MaxRetries is the transient retry budget per step. Steps may override.
	MaxRetries int

	// RetryBaseDelay doubles per retry up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// DefaultTimeout applies to capability invocations of steps without a
	// timeout. Zero defers to the capability.
	DefaultTimeout time.Duration

	// ContextEntries bounds the Node Graph context handed to code generation.
	ContextEntries int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Parallelism:    4,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  10 * time.Second,
		ContextEntries: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.ContextEntries == 0 {
		c.ContextEntries = d.ContextEntries
	}
	return c
}

// backoff returns the delay before retry n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.RetryBaseDelay
	for i := 1; i < n && d < c.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > c.RetryMaxDelay {
		d = c.RetryMaxDelay
	}
	return d
}

// =============================================================================
// ENGINE
// =============================================================================

// Invoker is the capability contract the engine consumes.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]interface{}, timeout time.Duration) (tools.Result, error)
}

// Engine executes compiled plans. An Engine holds no per-run state; one
// value may drive many runs concurrently, on different sessions.
type Engine struct {
	invoker Invoker
	loop    *repair.Loop
	cfg     Config

	publisher events.Publisher
	saver     Saver
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	stampMu   sync.Mutex
	lastStamp time.Time

	metricsOnce  sync.Once
	stepDuration metric.Float64Histogram
	stepTotal    metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sends progress events to p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithSaver persists the session after every terminal run and on Checkpoint.
func WithSaver(s Saver) Option {
	return func(e *Engine) { e.saver = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces the clock used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New creates an engine. loop may be nil when no plan uses codegen steps.
func New(invoker Invoker, loop *repair.Loop, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		invoker:   invoker,
		loop:      loop,
		cfg:       cfg.withDefaults(),
		publisher: nopPublisher{},
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stamp returns the current time, strictly later than any earlier stamp,
// so a dependent's ReadyAt always follows its dependencies' FinishedAt.
func (e *Engine) stamp() time.Time {
	t := e.now().UTC().Round(0)
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	if !t.After(e.lastStamp) {
		t = e.lastStamp.Add(time.Nanosecond)
	}
	e.lastStamp = t
	return t
}

// initMetrics creates the otel instruments once. Failures degrade
// observability only.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.stepDuration, err = meter.Float64Histogram("graphite_step_duration_seconds",
			metric.WithDescription("Time from step start to terminal status"),
			metric.WithUnit("s"),
		)
		if err != nil {
			e.logger.Warn("step duration metric unavailable", zap.Error(err))
		}
		e.stepTotal, err = meter.Int64Counter("graphite_step_total",
			metric.WithDescription("Steps reaching a terminal status"),
		)
		if err != nil {
			e.logger.Warn("step counter metric unavailable", zap.Error(err))
		}
	})
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// =============================================================================
// RUNS
// =============================================================================

// Run is a plan execution in progress.
type Run struct {
	id     string
	sess   *Session
	saver  Saver
	cancel context.CancelFunc
	done   chan struct{}
	reqs   chan chan *storage.Session

	result *Result
	err    error
}

// Start begins executing p against sess and returns immediately. A nil
// session starts a fresh one. Cancelling ctx cancels the run.
func (e *Engine) Start(ctx context.Context, p *plan.Plan, sess *Session) (*Run, error) {
	if p == nil {
		return nil, ErrNilPlan
	}
	if sess == nil {
		sess = NewSession()
	}
	if err := sess.acquire(); err != nil {
		return nil, err
	}
	e.initMetrics()

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		id:     e.newID(),
		sess:   sess,
		saver:  e.saver,
		cancel: cancel,
		done:   make(chan struct{}),
		reqs:   make(chan chan *storage.Session),
	}

	root, err := e.openRoot(sess, p)
	if err != nil {
		cancel()
		sess.release(storage.RunRecord{ID: r.id, PlanID: p.ID, Goal: p.Goal, Status: PlanFailed.String()}, "")
		return nil, err
	}

	s := e.newScheduler(r.id, p, sess.Memory, sess, root, "", r.reqs)
	go func() {
		defer close(r.done)
		defer cancel()
		res := s.run(runCtx)
		r.result = res
		r.err = e.finish(ctx, r, res)
	}()
	return r, nil
}

// Execute runs p to completion.
func (e *Engine) Execute(ctx context.Context, p *plan.Plan, sess *Session) (*Result, error) {
	r, err := e.Start(ctx, p, sess)
	if err != nil {
		return nil, err
	}
	return r.Wait()
}

// openRoot creates the goal node a run's step nodes hang from. Goals chain
// under the previous run's goal so later runs inherit earlier context.
func (e *Engine) openRoot(sess *Session, p *plan.Plan) (string, error) {
	root, err := sess.Graph.CreateNode(sess.parentRoot(), goalLabel)
	if err != nil {
		return "", err
	}
	goal := p.Goal
	if goal == "" {
		goal = "plan " + p.ID
	}
	if err := sess.Graph.AppendContent(root, userEntry(goal)); err != nil {
		return "", err
	}
	return root, sess.Graph.SetStatus(root, PlanRunning.nodeStatus())
}

// finish closes the goal node, records the run and saves the session. The
// session stays busy until the save returns, so a later run's snapshot is
// always the newer one.
func (e *Engine) finish(ctx context.Context, r *Run, res *Result) error {
	defer r.sess.free()
	if err := r.sess.Graph.SetStatus(res.RootNode, res.Status.nodeStatus()); err != nil {
		e.logger.Warn("failed to close goal node", zap.String("node", res.RootNode), zap.Error(err))
	}
	r.sess.record(res.Record(), res.RootNode)
	if r.saver == nil {
		return nil
	}

	// The run's own context may be cancelled; the save still happens.
	saveCtx := context.WithoutCancel(ctx)
	snap := r.sess.Snapshot()
	if err := r.saver.Save(saveCtx, snap); err != nil {
		e.logger.Error("failed to save session", zap.String("session", snap.ID), zap.Error(err))
		return err
	}
	r.sess.sync(snap)
	return nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Session returns the session the run executes against.
func (r *Run) Session() *Session { return r.sess }

// Cancel requests cancellation. Running steps are asked to stop; steps that
// have not started end Cancelled.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run reaches its terminal status and the session
// has been saved.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes. The error is a save failure; the
// plan outcome is in Result.Status.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Checkpoint saves a consistent snapshot of the session mid-run. The
// snapshot is taken between scheduler steps, so it never holds a partially
// committed step.
func (r *Run) Checkpoint(ctx context.Context) error {
	if r.saver == nil {
		return nil
	}

	var snap *storage.Session
	reply := make(chan *storage.Session, 1)
	select {
	case r.reqs <- reply:
		select {
		case snap = <-reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-r.done:
		snap = r.sess.Snapshot()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.saver.Save(ctx, snap); err != nil {
		return err
	}
	r.sess.sync(snap)
	return nil
}
