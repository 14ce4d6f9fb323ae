// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the collectors.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeFatal     = "fatal"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

var (
	capabilityInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphite_capability_invocations_total",
		Help: "Capability invocations by capability and outcome",
	}, []string{"capability", "outcome"})

	capabilityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphite_capability_duration_seconds",
		Help:    "Capability invocation latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"capability"})

	modelCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphite_model_completions_total",
		Help: "Language model completions by task, provider and outcome",
	}, []string{"task", "provider", "outcome"})

	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphite_storage_operations_total",
		Help: "Persistence operations by backend, operation and outcome",
	}, []string{"backend", "op", "outcome"})
)

// ObserveCapability records one capability invocation.
func ObserveCapability(capability, outcome string, d time.Duration) {
	capabilityInvocations.WithLabelValues(capability, outcome).Inc()
	capabilityDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// ObserveCompletion records one model completion.
func ObserveCompletion(task, provider, outcome string) {
	modelCompletions.WithLabelValues(task, provider, outcome).Inc()
}

// ObserveStorage records one persistence operation.
func ObserveStorage(backend, op string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	storageOperations.WithLabelValues(backend, op, outcome).Inc()
}
