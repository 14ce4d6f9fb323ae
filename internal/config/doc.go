// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for graphite.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - EngineConfig: Parallelism, retry policy and repair loop bounds
//   - LLMConfig: Providers and per-task model routes
//   - ToolsConfig: Search, sandbox, file and web research capabilities
//   - ValidateErrors: Every validation failure found in one pass
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (GRAPHITE_*), including a local .env file
//   - ~/.graphite/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	parallel := cfg.Engine.Parallelism
package config
