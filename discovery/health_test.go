package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexos/cadp/internal/clock"
)

func healthServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckHealth_PrimaryPath(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == probePathPrimary {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	registerWithEndpoints(t, reg, "agent-a", []Endpoint{
		{Protocol: "http", URL: srv.URL, Healthy: false},
	})

	healthy, err := reg.CheckHealth(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, healthy)

	rec, err := reg.GetRecord(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, rec.Endpoints[0].Healthy)
	assert.GreaterOrEqual(t, rec.Endpoints[0].LatencyMS, int64(1))
	assert.Equal(t, testEpoch.UnixMilli(), rec.Endpoints[0].LastHealthCheck)
}

func TestCheckHealth_FallbackPath(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == probePathFallback {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	reg, _ := newTestRegistry(t, nil)
	registerWithEndpoints(t, reg, "agent-a", []Endpoint{
		{Protocol: "http", URL: srv.URL, Healthy: false},
	})

	healthy, err := reg.CheckHealth(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestCheckHealth_NonSuccessStatusDegrades(t *testing.T) {
	srv := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	registerWithEndpoints(t, reg, "agent-a", []Endpoint{
		{Protocol: "http", URL: srv.URL, Healthy: true, LatencyMS: 7},
	})

	healthy, err := reg.CheckHealth(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, healthy)

	rec, err := reg.GetRecord(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, rec.Endpoints[0].Healthy)
	// A failed probe never overwrites the last measured latency.
	assert.Equal(t, int64(7), rec.Endpoints[0].LatencyMS)
	assert.NotZero(t, rec.Endpoints[0].LastHealthCheck)
}

func TestCheckHealth_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listens here anymore

	cfg := DefaultRegistryConfig()
	cfg.ProbeTimeout = 500 * time.Millisecond
	reg, _ := newTestRegistry(t, cfg)
	registerWithEndpoints(t, reg, "agent-a", []Endpoint{
		{Protocol: "http", URL: url, Healthy: true},
	})

	healthy, err := reg.CheckHealth(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestCheckHealth_AnyEndpointSucceeding(t *testing.T) {
	up := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	down := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	registerWithEndpoints(t, reg, "agent-a", []Endpoint{
		{Protocol: "http", URL: down.URL, Healthy: true},
		{Protocol: "http", URL: up.URL, Healthy: false},
	})

	healthy, err := reg.CheckHealth(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, healthy)

	rec, err := reg.GetRecord(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, rec.Endpoints[0].Healthy)
	assert.True(t, rec.Endpoints[1].Healthy)
}

func TestCheckHealth_UnknownAgent(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, err := reg.CheckHealth(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCheckAllHealth(t *testing.T) {
	up := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	down := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	reg := NewRegistry(nil, zap.NewNop(), WithClock(clock.NewManual(testEpoch)))
	ctx := context.Background()
	registerWithEndpoints(t, reg, "agent-up", []Endpoint{
		{Protocol: "http", URL: up.URL, Healthy: false},
	})
	registerWithEndpoints(t, reg, "agent-down", []Endpoint{
		{Protocol: "http", URL: down.URL, Healthy: true},
	})

	health, err := reg.CheckAllHealth(ctx)
	require.NoError(t, err)
	require.Len(t, health, 2)
	assert.True(t, health["agent-up"])
	assert.False(t, health["agent-down"])
}
