package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/clinic-portal/internal/config"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

func TestSetupMetricsExposesAuthorityMetrics(t *testing.T) {
	handler, m := setupMetrics()
	require.NotNil(t, handler)
	require.NotNil(t, m)

	m.ObserveGateDecision(false, "ClinicQuota", "book")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "go_goroutines"))
	assert.True(t, strings.Contains(rr.Body.String(), "clinic_appointments_gate_decisions_total"))
}

func TestBuildAppRequiresSecret(t *testing.T) {
	_, err := buildApp(context.Background(), &appconfig.Config{}, logging.Discard())
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestBuildAppInMemory(t *testing.T) {
	cfg := &appconfig.Config{
		JWTSecret:      "secret",
		SignalBus:      "local",
		EmailProvider:  "stub",
		RateLimitRPS:   5,
		RateLimitBurst: 5,
	}
	a, err := buildApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.close()
	assert.IsType(t, &signals.LocalBus{}, a.bus)
	assert.NotNil(t, a.limiter)

	ctx, cancel := context.WithCancel(context.Background())
	workers := a.start(ctx)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/appointments", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	cancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background workers did not stop")
	}
}
