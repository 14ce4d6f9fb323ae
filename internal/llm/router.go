// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/telemetry"
)

// Route binds a task to a provider and model.
type Route struct {
	Provider string
	Model    string
}

func (r Route) String() string {
	return r.Provider + ":" + r.Model
}

// ParseRoute parses "provider:model". The model part may itself contain
// colons (ollama tags such as "qwen2.5-coder:14b").
func ParseRoute(s string) (Route, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || provider == "" || model == "" {
		return Route{}, fmt.Errorf("invalid route %q: expected provider:model", s)
	}
	return Route{Provider: provider, Model: model}, nil
}

// Router dispatches completion requests to providers by task.
// Unknown tasks fall back to the chat route, then to the default route.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	routes    map[Task]Route
	fallback  Route
	logger    *zap.Logger
}

// NewRouter creates a router whose default route is fallback.
func NewRouter(fallback Route, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers: make(map[string]Provider),
		routes:    make(map[Task]Route),
		fallback:  fallback,
		logger:    logger,
	}
}

// AddProvider registers a provider under its name, replacing any previous one.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetRoute sets the route for a task.
func (r *Router) SetRoute(task Task, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[task] = route
}

// Resolve returns the route used for task.
func (r *Router) Resolve(task Task) Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if route, ok := r.routes[task]; ok {
		return route
	}
	if route, ok := r.routes[TaskChat]; ok {
		return route
	}
	return r.fallback
}

// Complete implements Completer.
func (r *Router) Complete(ctx context.Context, req Request) (string, error) {
	if req.Task == "" {
		req.Task = TaskChat
	}
	route := r.Resolve(req.Task)

	r.mu.RLock()
	p, ok := r.providers[route.Provider]
	r.mu.RUnlock()
	if !ok {
		return "", &Error{Provider: route.Provider, Model: route.Model, Kind: KindFatal, Err: ErrUnknownProvider}
	}

	start := time.Now()
	text, err := p.Complete(ctx, route.Model, req)
	fields := []zap.Field{
		zap.String("task", string(req.Task)),
		zap.Stringer("route", route),
		zap.Duration("duration", time.Since(start)),
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = &Error{Provider: route.Provider, Model: route.Model, Kind: KindTransient, Err: ErrEmptyResponse}
	}
	if err != nil {
		telemetry.ObserveCompletion(string(req.Task), route.Provider, outcome(err))
		r.logger.Warn("completion failed", append(fields, zap.Error(err))...)
		return "", err
	}
	telemetry.ObserveCompletion(string(req.Task), route.Provider, telemetry.OutcomeSuccess)
	r.logger.Debug("completion", append(fields, zap.Int("chars", len(text)))...)
	return text, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return telemetry.OutcomeCancelled
	case IsTransient(err):
		return telemetry.OutcomeTransient
	default:
		return telemetry.OutcomeFatal
	}
}
