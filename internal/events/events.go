// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type names a progress event.
type Type string

const (
	StepReady     Type = "step_ready"
	StepStarted   Type = "step_started"
	StepRetrying  Type = "step_retrying"
	StepRepair    Type = "step_repair"
	StepSucceeded Type = "step_succeeded"
	StepFailed    Type = "step_failed"
	StepBlocked   Type = "step_blocked"
	StepCancelled Type = "step_cancelled"
	PlanTerminal  Type = "plan_terminal"
)

// Terminal reports whether t ends a step or the plan.
func (t Type) Terminal() bool {
	switch t {
	case StepSucceeded, StepFailed, StepBlocked, StepCancelled, PlanTerminal:
		return true
	}
	return false
}

// Event is one entry of the progress stream. Seq is assigned by the Bus and
// increases by one per published event.
type Event struct {
	Seq    uint64    `json:"seq"`
	Type   Type      `json:"type"`
	Time   time.Time `json:"time"`
	RunID  string    `json:"run_id,omitempty"`
	PlanID string    `json:"plan_id,omitempty"`

	Step    string `json:"step,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Status is the step status for step events and the aggregate plan
	// status for PlanTerminal.
	Status string `json:"status,omitempty"`

	// Detail is a short human-readable note: retry delay, repair state,
	// output preview.
	Detail string `json:"detail,omitempty"`

	Error string `json:"error,omitempty"`

	// Cause is the originating failed step for StepBlocked.
	Cause string `json:"cause,omitempty"`
}

// =============================================================================
// BUS
// =============================================================================

// Handler consumes events. Each subscription's handler is called from its
// own goroutine, in Seq order.
type Handler func(Event)

// Publisher is the producing side of a Bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Each subscriber has an unbounded queue drained by its own goroutine, so
// a slow subscriber delays only itself.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[string]*subscriber
	history []Event
	limit   int
	closed  bool
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistory keeps the last n events for History. Default 1000.
func WithHistory(n int) Option {
	return func(b *Bus) { b.limit = n }
}

// WithLogger sets the logger used for handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock sets the clock used to stamp events without a time.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*subscriber),
		limit:  1000,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for the given types (none means all) and
// returns the subscription id.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	s := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  b.logger,
	}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		return s.id
	}
	b.subs[s.id] = s
	go s.pump()
	return s.id
}

// Unsubscribe stops delivery to a subscription. Events already queued are
// still delivered. It reports whether the id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Publish stamps ev with the next Seq and queues it for every matching
// subscriber. It never blocks on subscribers. Events published after Close
// are dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.now().UTC().Round(0)
	}

	if b.limit > 0 {
		if len(b.history) >= b.limit {
			b.history = b.history[1:]
		}
		b.history = append(b.history, ev)
	}
	for _, s := range b.subs {
		s.enqueue(ev)
	}
}

// History returns a copy of the retained events.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Close stops accepting events and waits until every subscriber has
// handled what was queued.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	for _, s := range subs {
		<-s.done
	}
}

// =============================================================================
// SUBSCRIBER PUMP
// =============================================================================

type subscriber struct {
	id      string
	handler Handler
	types   map[Type]bool
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Event
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscriber) enqueue(ev Event) {
	if s.types != nil && !s.types[ev.Type] {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closing := s.closing
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
		if len(batch) == 0 {
			if closing {
				return
			}
			<-s.wake
		}
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				zap.String("subscription", s.id),
				zap.String("type", string(ev.Type)),
				zap.Uint64("seq", ev.Seq),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder is a Publisher that keeps every event in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
