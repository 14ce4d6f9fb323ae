// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCapability(t *testing.T) {
	before := testutil.ToFloat64(capabilityInvocations.WithLabelValues("test_cap", OutcomeSuccess))
	ObserveCapability("test_cap", OutcomeSuccess, 10*time.Millisecond)
	ObserveCapability("test_cap", OutcomeSuccess, 20*time.Millisecond)
	after := testutil.ToFloat64(capabilityInvocations.WithLabelValues("test_cap", OutcomeSuccess))
	assert.Equal(t, before+2, after)
}

func TestObserveStorage(t *testing.T) {
	ObserveStorage("test_backend", "save", nil)
	ObserveStorage("test_backend", "save", errors.New("disk full"))
	assert.Equal(t, 1.0, testutil.ToFloat64(storageOperations.WithLabelValues("test_backend", "save", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(storageOperations.WithLabelValues("test_backend", "save", OutcomeError)))
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{MetricExporter: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), Config{TraceExporter: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestServerServesMetrics(t *testing.T) {
	ObserveCompletion("plan", "test_provider", OutcomeSuccess)

	srv, err := StartServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "graphite_model_completions_total"))
}
