// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides metrics and tracing for graphite.
//
// Two layers are involved. Prometheus collectors registered here count
// capability invocations, model completions and storage operations. The
// OpenTelemetry providers set up by Init carry the engine's spans and its
// step metrics; with the prometheus exporter those metrics land in the same
// registry, so one /metrics endpoint serves both.
//
// # Key Types
//
//   - Config: exporter selection and metrics address
//   - Server: HTTP server for /metrics
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
//
//	telemetry.ObserveCapability("search", "success", time.Since(start))
package telemetry
