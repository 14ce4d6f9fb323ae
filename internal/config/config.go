// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for graphite.
//
// Configuration file location:
//   - ~/.graphite/config.toml
//   - Built-in defaults
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete graphite configuration.
type Config struct {
	Engine    EngineConfig    `toml:"engine" json:"engine"`
	Planner   PlannerConfig   `toml:"planner" json:"planner"`
	LLM       LLMConfig       `toml:"llm" json:"llm"`
	Tools     ToolsConfig     `toml:"tools" json:"tools"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// EngineConfig controls plan execution.
type EngineConfig struct {
	// Parallelism is the default number of steps running at once
	Parallelism int `toml:"parallelism" json:"parallelism"`
	// MaxRetries is the transient retry budget per step
	MaxRetries int `toml:"max_retries" json:"max_retries"`
	// RetryBaseDelay is the first backoff delay; later ones double
	RetryBaseDelay time.Duration `toml:"retry_base_delay" json:"retry_base_delay"`
	// RetryMaxDelay caps the backoff delay
	RetryMaxDelay time.Duration `toml:"retry_max_delay" json:"retry_max_delay"`
	// RepairMaxAttempts bounds the code repair loop
	RepairMaxAttempts int `toml:"repair_max_attempts" json:"repair_max_attempts"`
	// ContextEntries limits the node history handed to code generation
	ContextEntries int `toml:"context_entries" json:"context_entries"`
	// DefaultTimeout bounds a capability call when the step sets none
	DefaultTimeout time.Duration `toml:"default_timeout" json:"default_timeout"`
	// AnalyzeCode explains successful generated programs with the model
	AnalyzeCode bool `toml:"analyze_code" json:"analyze_code"`
}

// PlannerConfig controls goal-to-plan generation and compilation.
type PlannerConfig struct {
	// MaxSteps is the largest plan the planner may return
	MaxSteps int `toml:"max_steps" json:"max_steps"`
	// InferDependencies adds missing edges for {{key}} references
	InferDependencies bool `toml:"infer_dependencies" json:"infer_dependencies"`
}

// LLMConfig selects model providers and routes tasks to them.
type LLMConfig struct {
	// Provider is the default provider: "ollama", "openai" or "gemini"
	Provider string `toml:"provider" json:"provider"`
	// Model is the default provider's model
	Model string `toml:"model" json:"model"`
	// Routes maps a task (plan, chat, code, web_validate, web_summarize,
	// title) to "provider:model"
	Routes map[string]string `toml:"routes" json:"routes"`

	Ollama OllamaConfig `toml:"ollama" json:"ollama"`
	OpenAI OpenAIConfig `toml:"openai" json:"openai"`
	Gemini GeminiConfig `toml:"gemini" json:"gemini"`
}

// OllamaConfig contains local Ollama configuration.
type OllamaConfig struct {
	URL     string        `toml:"url" json:"url"`
	Timeout time.Duration `toml:"timeout" json:"timeout"`
}

// OpenAIConfig configures an OpenAI-compatible server.
type OpenAIConfig struct {
	APIKey string `toml:"api_key" json:"api_key"`
	// BaseURL points at any OpenAI-compatible endpoint (empty = api.openai.com)
	BaseURL string `toml:"base_url" json:"base_url"`
}

// GeminiConfig configures the Gemini API.
type GeminiConfig struct {
	APIKey string `toml:"api_key" json:"api_key"`
}

// ToolsConfig configures the built-in capabilities.
type ToolsConfig struct {
	Search  SearchConfig  `toml:"search" json:"search"`
	Sandbox SandboxConfig `toml:"sandbox" json:"sandbox"`
	Files   FilesConfig   `toml:"files" json:"files"`
	Web     WebConfig     `toml:"web" json:"web"`
}

// SearchConfig configures web search.
type SearchConfig struct {
	MaxResults    int           `toml:"max_results" json:"max_results"`
	RatePerSecond float64       `toml:"rate_per_second" json:"rate_per_second"`
	Timeout       time.Duration `toml:"timeout" json:"timeout"`
}

// SandboxConfig configures program execution.
type SandboxConfig struct {
	Python    string        `toml:"python" json:"python"`
	Timeout   time.Duration `toml:"timeout" json:"timeout"`
	MaxOutput int           `toml:"max_output" json:"max_output"`
	// FailureMarkers flag a failed run even on exit code 0 (empty = built-in list)
	FailureMarkers []string `toml:"failure_markers" json:"failure_markers"`
}

// FilesConfig configures the file capability.
type FilesConfig struct {
	OutputDir string `toml:"output_dir" json:"output_dir"`
}

// WebConfig configures web research.
type WebConfig struct {
	MaxPages     int           `toml:"max_pages" json:"max_pages"`
	FetchTimeout time.Duration `toml:"fetch_timeout" json:"fetch_timeout"`
	MaxChars     int           `toml:"max_chars" json:"max_chars"`
	Validate     bool          `toml:"validate" json:"validate"`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	// Backend is "file", "sqlite" or "badger"
	Backend string `toml:"backend" json:"backend"`
	// Path overrides the backend's default location under ~/.graphite
	Path string `toml:"path" json:"path"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `toml:"level" json:"level"`
	// Format is console or json
	Format string `toml:"format" json:"format"`
	// File appends logs to a file instead of stderr
	File string `toml:"file" json:"file"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr serves /metrics when set (e.g. "127.0.0.1:9464")
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr"`
	// TraceExporter is none, stdout or otlp
	TraceExporter string `toml:"trace_exporter" json:"trace_exporter"`
	// OTLPEndpoint is the OTLP gRPC receiver
	OTLPEndpoint string `toml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure" json:"otlp_insecure"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Parallelism:       4,
			MaxRetries:        3,
			RetryBaseDelay:    500 * time.Millisecond,
			RetryMaxDelay:     10 * time.Second,
			RepairMaxAttempts: 4,
			ContextEntries:    20,
			DefaultTimeout:    30 * time.Second,
			AnalyzeCode:       true,
		},
		Planner: PlannerConfig{
			MaxSteps:          7,
			InferDependencies: true,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "qwen2.5-coder:14b",
			Routes:   map[string]string{},
			Ollama: OllamaConfig{
				URL:     "http://127.0.0.1:11434",
				Timeout: 120 * time.Second,
			},
		},
		Tools: ToolsConfig{
			Search: SearchConfig{
				MaxResults:    5,
				RatePerSecond: 1,
				Timeout:       15 * time.Second,
			},
			Sandbox: SandboxConfig{
				Python:    "python3",
				Timeout:   20 * time.Second,
				MaxOutput: 100000,
			},
			Files: FilesConfig{
				OutputDir: "graphite-output",
			},
			Web: WebConfig{
				MaxPages:     3,
				FetchTimeout: 10 * time.Second,
				MaxChars:     4000,
				Validate:     true,
			},
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the graphite configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".graphite"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file holding API keys to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.graphite/config.toml, or returns defaults when it does not
// exist. A .env file in the working directory is loaded into the environment
// first, then GRAPHITE_* variables override file values.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return finish(Default())
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file. A missing file
// yields defaults.
func LoadFromPath(path string) (*Config, error) {
	loadDotEnv(".env")

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadTOML decodes path over cfg. Keys absent from the file keep their
// current values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads KEY=VALUE pairs without overriding variables that are
// already set. A missing file is not an error.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", path, err)
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# graphite configuration file\n")
	b.WriteString("# Generated by graphite - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validProviders = []string{"ollama", "openai", "gemini"}
	validBackends  = []string{"file", "sqlite", "badger"}
	validLevels    = []string{"debug", "info", "warn", "error"}
	validFormats   = []string{"console", "json"}
	validExporters = []string{"none", "stdout", "otlp"}
	validTasks     = []string{"plan", "chat", "code", "web_validate", "web_summarize", "title"}
)

// Validate checks ranges and enumerations and returns ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(field, value string, valid []string) {
		for _, v := range valid {
			if strings.EqualFold(value, v) {
				return
			}
		}
		add(field, "invalid value '%s', must be one of: %s", value, strings.Join(valid, ", "))
	}

	// Engine
	if c.Engine.Parallelism < 1 || c.Engine.Parallelism > 64 {
		add("engine.parallelism", "must be between 1 and 64, got %d", c.Engine.Parallelism)
	}
	if c.Engine.MaxRetries < 0 || c.Engine.MaxRetries > 10 {
		add("engine.max_retries", "must be between 0 and 10, got %d", c.Engine.MaxRetries)
	}
	if c.Engine.RetryBaseDelay <= 0 {
		add("engine.retry_base_delay", "must be positive")
	}
	if c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay {
		add("engine.retry_max_delay", "must not be below retry_base_delay (%s)", c.Engine.RetryBaseDelay)
	}
	if c.Engine.RepairMaxAttempts < 1 || c.Engine.RepairMaxAttempts > 10 {
		add("engine.repair_max_attempts", "must be between 1 and 10, got %d", c.Engine.RepairMaxAttempts)
	}
	if c.Engine.ContextEntries < 0 {
		add("engine.context_entries", "must not be negative")
	}

	// Planner
	if c.Planner.MaxSteps < 1 || c.Planner.MaxSteps > 50 {
		add("planner.max_steps", "must be between 1 and 50, got %d", c.Planner.MaxSteps)
	}

	// LLM
	oneOf("llm.provider", c.LLM.Provider, validProviders)
	for task, route := range c.LLM.Routes {
		oneOf("llm.routes", task, validTasks)
		provider, model, ok := strings.Cut(route, ":")
		if !ok || model == "" {
			add("llm.routes."+task, "route '%s' must be provider:model", route)
			continue
		}
		oneOf("llm.routes."+task, provider, validProviders)
	}
	if !strings.HasPrefix(c.LLM.Ollama.URL, "http://") && !strings.HasPrefix(c.LLM.Ollama.URL, "https://") {
		add("llm.ollama.url", "must start with http:// or https://")
	}

	// Tools
	if c.Tools.Search.MaxResults < 1 || c.Tools.Search.MaxResults > 10 {
		add("tools.search.max_results", "must be between 1 and 10, got %d", c.Tools.Search.MaxResults)
	}
	if c.Tools.Search.RatePerSecond <= 0 {
		add("tools.search.rate_per_second", "must be positive")
	}
	if c.Tools.Sandbox.MaxOutput < 1024 {
		add("tools.sandbox.max_output", "must be at least 1024 bytes")
	}
	if c.Tools.Web.MaxPages < 1 || c.Tools.Web.MaxPages > 10 {
		add("tools.web.max_pages", "must be between 1 and 10, got %d", c.Tools.Web.MaxPages)
	}

	// Ambient
	oneOf("storage.backend", c.Storage.Backend, validBackends)
	oneOf("logging.level", c.Logging.Level, validLevels)
	oneOf("logging.format", c.Logging.Format, validFormats)
	oneOf("telemetry.trace_exporter", c.Telemetry.TraceExporter, validExporters)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that a partial config file or environment
// may leave behind. Booleans are left alone: false is a valid setting.
func (c *Config) SetDefaults() {
	d := Default()
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setStr := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}

	setInt(&c.Engine.Parallelism, d.Engine.Parallelism)
	setDur(&c.Engine.RetryBaseDelay, d.Engine.RetryBaseDelay)
	setDur(&c.Engine.RetryMaxDelay, d.Engine.RetryMaxDelay)
	setInt(&c.Engine.RepairMaxAttempts, d.Engine.RepairMaxAttempts)
	setDur(&c.Engine.DefaultTimeout, d.Engine.DefaultTimeout)
	setInt(&c.Planner.MaxSteps, d.Planner.MaxSteps)

	setStr(&c.LLM.Provider, d.LLM.Provider)
	setStr(&c.LLM.Ollama.URL, d.LLM.Ollama.URL)
	setDur(&c.LLM.Ollama.Timeout, d.LLM.Ollama.Timeout)
	if c.LLM.Routes == nil {
		c.LLM.Routes = map[string]string{}
	}

	setInt(&c.Tools.Search.MaxResults, d.Tools.Search.MaxResults)
	if c.Tools.Search.RatePerSecond == 0 {
		c.Tools.Search.RatePerSecond = d.Tools.Search.RatePerSecond
	}
	setDur(&c.Tools.Search.Timeout, d.Tools.Search.Timeout)
	setStr(&c.Tools.Sandbox.Python, d.Tools.Sandbox.Python)
	setDur(&c.Tools.Sandbox.Timeout, d.Tools.Sandbox.Timeout)
	setInt(&c.Tools.Sandbox.MaxOutput, d.Tools.Sandbox.MaxOutput)
	setStr(&c.Tools.Files.OutputDir, d.Tools.Files.OutputDir)
	setInt(&c.Tools.Web.MaxPages, d.Tools.Web.MaxPages)
	setDur(&c.Tools.Web.FetchTimeout, d.Tools.Web.FetchTimeout)
	setInt(&c.Tools.Web.MaxChars, d.Tools.Web.MaxChars)

	setStr(&c.Storage.Backend, d.Storage.Backend)
	setStr(&c.Logging.Level, d.Logging.Level)
	setStr(&c.Logging.Format, d.Logging.Format)
	setStr(&c.Telemetry.TraceExporter, d.Telemetry.TraceExporter)

	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - GRAPHITE_PARALLELISM: engine.parallelism
//   - GRAPHITE_MAX_RETRIES: engine.max_retries
//   - GRAPHITE_PROVIDER: llm.provider
//   - GRAPHITE_MODEL: llm.model
//   - GRAPHITE_OLLAMA_URL: llm.ollama.url
//   - GRAPHITE_OPENAI_API_KEY (or OPENAI_API_KEY): llm.openai.api_key
//   - GRAPHITE_OPENAI_BASE_URL: llm.openai.base_url
//   - GRAPHITE_GEMINI_API_KEY (or GEMINI_API_KEY): llm.gemini.api_key
//   - GRAPHITE_OUTPUT_DIR: tools.files.output_dir
//   - GRAPHITE_STORAGE: storage.backend
//   - GRAPHITE_STORAGE_PATH: storage.path
//   - GRAPHITE_LOG_LEVEL: logging.level
//   - GRAPHITE_METRICS_ADDR: telemetry.metrics_addr
func (c *Config) ApplyEnvOverrides() {
	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				fmt.Fprintf(os.Stderr, "Warning: ignoring %s=%q: not an integer\n", name, v)
			}
		}
	}
	envStr := func(dst *string, names ...string) {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				*dst = v
				return
			}
		}
	}

	envInt("GRAPHITE_PARALLELISM", &c.Engine.Parallelism)
	envInt("GRAPHITE_MAX_RETRIES", &c.Engine.MaxRetries)
	envStr(&c.LLM.Provider, "GRAPHITE_PROVIDER")
	envStr(&c.LLM.Model, "GRAPHITE_MODEL")
	envStr(&c.LLM.Ollama.URL, "GRAPHITE_OLLAMA_URL")
	envStr(&c.LLM.OpenAI.APIKey, "GRAPHITE_OPENAI_API_KEY", "OPENAI_API_KEY")
	envStr(&c.LLM.OpenAI.BaseURL, "GRAPHITE_OPENAI_BASE_URL")
	envStr(&c.LLM.Gemini.APIKey, "GRAPHITE_GEMINI_API_KEY", "GEMINI_API_KEY")
	envStr(&c.Tools.Files.OutputDir, "GRAPHITE_OUTPUT_DIR")
	envStr(&c.Storage.Backend, "GRAPHITE_STORAGE")
	envStr(&c.Storage.Path, "GRAPHITE_STORAGE_PATH")
	envStr(&c.Logging.Level, "GRAPHITE_LOG_LEVEL")
	envStr(&c.Telemetry.MetricsAddr, "GRAPHITE_METRICS_ADDR")
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.LLM.Routes != nil {
		clone.LLM.Routes = make(map[string]string, len(c.LLM.Routes))
		for k, v := range c.LLM.Routes {
			clone.LLM.Routes[k] = v
		}
	}
	clone.Tools.Sandbox.FailureMarkers = append([]string(nil), c.Tools.Sandbox.FailureMarkers...)
	return &clone
}

// String returns the config as JSON with API keys redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.LLM.OpenAI.APIKey != "" {
		safe.LLM.OpenAI.APIKey = "[REDACTED]"
	}
	if safe.LLM.Gemini.APIKey != "" {
		safe.LLM.Gemini.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
