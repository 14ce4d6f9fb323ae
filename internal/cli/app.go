// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/config"
	"github.com/jeranaias/graphite/internal/engine"
	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/logging"
	"github.com/jeranaias/graphite/internal/ollama"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/repair"
	"github.com/jeranaias/graphite/internal/storage"
	"github.com/jeranaias/graphite/internal/telemetry"
	"github.com/jeranaias/graphite/internal/tools"
)

// =============================================================================
// APP
// =============================================================================

// app holds the components a command needs, built from the config.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	model    *llm.Router
	registry *tools.Registry
	loop     *repair.Loop

	store   storage.Store
	closers []func(context.Context) error
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFromPath(opts.configPath)
	}
	return config.Load()
}

// newApp builds the logger, model router, capability registry and
// repair loop. Telemetry starts only when configured.
func newApp(ctx context.Context, opts *globalOptions, info BuildInfo) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.parallel > 0 {
		cfg.Engine.Parallelism = opts.parallel
	}

	logger, err := logging.New(cfg.Logging, opts.verbose)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	rt := &app{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	if err := rt.initTelemetry(ctx, info); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.model, err = newRouter(ctx, cfg.LLM, logger); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.registry, err = newRegistry(cfg, rt.model, logger); err != nil {
		rt.Close()
		return nil, err
	}

	runner := &repair.SandboxRunner{Invoker: rt.registry, Timeout: cfg.Tools.Sandbox.Timeout}
	drafter := repair.NewModelDrafter(rt.model)
	var analyzer repair.Analyzer
	if cfg.Engine.AnalyzeCode {
		analyzer = drafter
	}
	rt.loop = repair.New(drafter, runner, analyzer, repair.Config{
		MaxAttempts:    cfg.Engine.RepairMaxAttempts,
		FailureMarkers: cfg.Tools.Sandbox.FailureMarkers,
		Analyze:        cfg.Engine.AnalyzeCode,
	}, logger.Named("repair"))
	return rt, nil
}

func (rt *app) initTelemetry(ctx context.Context, info BuildInfo) error {
	tc := rt.cfg.Telemetry
	metricExporter := "none"
	if tc.MetricsAddr != "" {
		metricExporter = "prometheus"
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "graphite",
		ServiceVersion: info.Version,
		TraceExporter:  tc.TraceExporter,
		MetricExporter: metricExporter,
		OTLPEndpoint:   tc.OTLPEndpoint,
		OTLPInsecure:   tc.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)

	if tc.MetricsAddr != "" {
		srv, err := telemetry.StartServer(tc.MetricsAddr, rt.logger)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		rt.closers = append(rt.closers, srv.Shutdown)
	}
	return nil
}

// newRouter registers every provider with credentials and applies routes.
func newRouter(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*llm.Router, error) {
	router := llm.NewRouter(llm.Route{Provider: cfg.Provider, Model: cfg.Model}, logger.Named("llm"))

	router.AddProvider(llm.NewOllamaProvider(ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.URL,
		Timeout:      cfg.Ollama.Timeout,
		DefaultModel: cfg.Model,
	})))
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		router.AddProvider(llm.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
	}
	if cfg.Gemini.APIKey != "" {
		gemini, err := llm.NewGeminiProvider(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, fmt.Errorf("create gemini provider: %w", err)
		}
		router.AddProvider(gemini)
	}

	for task, spec := range cfg.Routes {
		route, err := llm.ParseRoute(spec)
		if err != nil {
			return nil, fmt.Errorf("llm route %s: %w", task, err)
		}
		router.SetRoute(llm.Task(task), route)
	}
	return router, nil
}

// newRegistry registers the built-in capabilities.
func newRegistry(cfg *config.Config, model llm.Completer, logger *zap.Logger) (*tools.Registry, error) {
	searchCfg := tools.SearchConfig{
		MaxResults:    cfg.Tools.Search.MaxResults,
		RatePerSecond: cfg.Tools.Search.RatePerSecond,
		Timeout:       cfg.Tools.Search.Timeout,
	}
	search := tools.NewSearchExecutor(searchCfg)
	searchTool := tools.NewSearchTool(searchCfg)
	searchTool.Executor = search

	reg := tools.NewRegistry(logger.Named("tools"))
	for _, tool := range []*tools.Tool{
		searchTool,
		tools.NewResearchTool(search, model, tools.ResearchConfig{
			MaxPages:     cfg.Tools.Web.MaxPages,
			FetchTimeout: cfg.Tools.Web.FetchTimeout,
			MaxChars:     cfg.Tools.Web.MaxChars,
			Validate:     cfg.Tools.Web.Validate,
		}, logger.Named("web")),
		tools.NewSandboxTool(tools.SandboxConfig{
			Python:    cfg.Tools.Sandbox.Python,
			Timeout:   cfg.Tools.Sandbox.Timeout,
			MaxOutput: cfg.Tools.Sandbox.MaxOutput,
		}),
		tools.NewFileTool(tools.FileConfig{OutputDir: cfg.Tools.Files.OutputDir}),
		tools.NewSynthesizeTool(model),
	} {
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// openStore opens the configured session store once.
func (rt *app) openStore(ctx context.Context) (storage.Store, error) {
	if rt.store != nil {
		return rt.store, nil
	}
	store, err := storage.Open(ctx, storage.Options{
		Backend: rt.cfg.Storage.Backend,
		Path:    rt.cfg.Storage.Path,
	}, rt.logger.Named("storage"))
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

// newEngine builds an engine that publishes to bus and saves to the store.
func (rt *app) newEngine(ctx context.Context, bus events.Publisher) (*engine.Engine, error) {
	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	ec := rt.cfg.Engine
	return engine.New(rt.registry, rt.loop, engine.Config{
		Parallelism:    ec.Parallelism,
		MaxRetries:     ec.MaxRetries,
		RetryBaseDelay: ec.RetryBaseDelay,
		RetryMaxDelay:  ec.RetryMaxDelay,
		DefaultTimeout: ec.DefaultTimeout,
		ContextEntries: ec.ContextEntries,
	},
		engine.WithPublisher(bus),
		engine.WithSaver(store),
		engine.WithLogger(rt.logger.Named("engine")),
	), nil
}

// session loads session id, or starts a fresh one when id is empty.
func (rt *app) session(ctx context.Context, id string) (*engine.Session, error) {
	if id == "" {
		return engine.NewSession(), nil
	}
	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return engine.RestoreSession(rec)
}

// compile validates spec against the registry. Keys already in sess bind
// without a writer.
func (rt *app) compile(spec plan.Spec, sess *engine.Session) (*plan.Plan, error) {
	opts := plan.CompileOptions{
		InferDependencies: rt.cfg.Planner.InferDependencies,
	}
	if sess != nil {
		opts.KnownKeys = sess.Memory.Keys()
	}
	return plan.Compile(spec, rt.registry.Manifest(), opts)
}

// execute compiles spec against the session and runs it to completion.
// handler, when set, receives every progress event. A save failure is
// returned alongside the result.
func (rt *app) execute(ctx context.Context, spec plan.Spec, sessionID string, handler events.Handler) (*engine.Result, *engine.Session, error) {
	sess, err := rt.session(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	p, err := rt.compile(spec, sess)
	if err != nil {
		return nil, sess, err
	}

	bus := events.NewBus(events.WithLogger(rt.logger.Named("events")))
	defer bus.Close()
	if handler != nil {
		bus.Subscribe(handler)
	}
	eng, err := rt.newEngine(ctx, bus)
	if err != nil {
		return nil, sess, err
	}

	rt.logger.Info("running plan",
		zap.String("plan", p.ID),
		zap.String("session", sess.ID),
		zap.Int("steps", p.Len()))
	res, err := eng.Execute(ctx, p, sess)
	return res, sess, err
}

// Close releases everything the app opened, newest first.
func (rt *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
