package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexos/cadp/internal/clock"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

func newTestRegistry(t *testing.T, cfg *RegistryConfig) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	reg := NewRegistry(cfg, zap.NewNop(), WithClock(clk))
	return reg, clk
}

func testRecord(agentID string) *AgentRecord {
	return &AgentRecord{
		AgentID:      agentID,
		Domain:       "example.io",
		Capabilities: []string{"nlp", "summarize"},
		Endpoints: []Endpoint{
			{Protocol: "http", URL: "http://" + agentID + ".example.io", Healthy: true},
		},
		TTLSeconds: 60,
		Priority:   10,
		Weight:     1,
	}
}

func TestRegistry_RegisterComputesTimestamps(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	stored, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	assert.Equal(t, testEpoch.UnixMilli(), stored.CreatedAt)
	assert.Equal(t, stored.CreatedAt+60*1000, stored.ExpiresAt)
	assert.Equal(t, int64(60), stored.TTLSeconds)
}

func TestRegistry_RegisterNormalizesTTL(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, ttl := range []int64{0, -1, -3600} {
		rec := testRecord("agent-ttl")
		rec.TTLSeconds = ttl

		stored, err := reg.Register(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(3600), stored.TTLSeconds)
		assert.Equal(t, stored.CreatedAt+3600*1000, stored.ExpiresAt)
	}
}

func TestRegistry_RegisterRequiresAgentID(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, err := reg.Register(context.Background(), &AgentRecord{Domain: "d.io"})
	assert.ErrorIs(t, err, ErrMissingAgentID)

	_, err = reg.Register(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingAgentID)
}

func TestRegistry_RegisterOverwriteKeepsOneRecord(t *testing.T) {
	reg, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	first, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	clk.Advance(5 * time.Second)

	second := testRecord("agent-a")
	second.Domain = "other.io"
	stored, err := reg.Register(ctx, second)
	require.NoError(t, err)

	// A fresh register resets CreatedAt, unlike Update.
	assert.Greater(t, stored.CreatedAt, first.CreatedAt)
	assert.Equal(t, "other.io", stored.Domain)

	all, err := reg.GetAllRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "other.io", all[0].Domain)

	// The old domain index entry must be gone.
	old, err := reg.LookupByDomain(ctx, "example.io")
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestRegistry_RegisterCapacity(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.MaxRecords = 2
	reg, clk := newTestRegistry(t, cfg)
	ctx := context.Background()

	_, err := reg.Register(ctx, testRecord("agent-1"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, testRecord("agent-2"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, testRecord("agent-3"))
	assert.ErrorIs(t, err, ErrRegistryFull)

	// Overwriting an existing agent is not subject to the cap.
	_, err = reg.Register(ctx, testRecord("agent-2"))
	require.NoError(t, err)

	// Once a record expires, the opportunistic sweep frees a slot.
	clk.Advance(61 * time.Second)
	_, err = reg.Register(ctx, testRecord("agent-3"))
	require.NoError(t, err)
}

func TestRegistry_UpdatePreservesCreatedAt(t *testing.T) {
	reg, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	stored, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	clk.Advance(10 * time.Second)

	newTTL := int64(120)
	updated, err := reg.Update(ctx, "agent-a", &RecordUpdate{TTLSeconds: &newTTL})
	require.NoError(t, err)

	assert.Equal(t, stored.CreatedAt, updated.CreatedAt)
	// Expiry is recomputed from the preserved CreatedAt, not from now.
	assert.Equal(t, stored.CreatedAt+120*1000, updated.ExpiresAt)
	assert.Equal(t, int64(120), updated.TTLSeconds)
}

func TestRegistry_UpdateReindexes(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	domain := "moved.io"
	_, err = reg.Update(ctx, "agent-a", &RecordUpdate{
		Domain:       &domain,
		Capabilities: []string{"translate"},
	})
	require.NoError(t, err)

	stale, err := reg.LookupByDomain(ctx, "example.io")
	require.NoError(t, err)
	assert.Empty(t, stale)

	moved, err := reg.LookupByDomain(ctx, "moved.io")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "agent-a", moved[0].AgentID)

	staleCap, err := reg.LookupByCapability(ctx, "nlp")
	require.NoError(t, err)
	assert.Empty(t, staleCap)

	newCap, err := reg.LookupByCapability(ctx, "translate")
	require.NoError(t, err)
	require.Len(t, newCap, 1)
}

func TestRegistry_UpdateUnknownAgent(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, err := reg.Update(context.Background(), "ghost", &RecordUpdate{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_Deregister(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	existed, err := reg.Deregister(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = reg.Deregister(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, existed)

	byDomain, err := reg.LookupByDomain(ctx, "example.io")
	require.NoError(t, err)
	assert.Empty(t, byDomain)
}

func TestRegistry_ExpiryHidesPurgeRemoves(t *testing.T) {
	reg, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	rec := testRecord("agent-a")
	rec.TTLSeconds = 1
	_, err := reg.Register(ctx, rec)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	// Lookup treats the expired record as absent.
	_, err = reg.Lookup(ctx, "agent-a")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// The raw accessor still sees it.
	raw, err := reg.GetRecord(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", raw.AgentID)

	purged, err := reg.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = reg.GetRecord(ctx, "agent-a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_LookupByDomainSortsByPriority(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"agent-low", 30},
		{"agent-top", 1},
		{"agent-mid", 15},
	} {
		rec := testRecord(tc.id)
		rec.Priority = tc.priority
		_, err := reg.Register(ctx, rec)
		require.NoError(t, err)
	}

	records, err := reg.LookupByDomain(ctx, "example.io")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "agent-top", records[0].AgentID)
	assert.Equal(t, "agent-mid", records[1].AgentID)
	assert.Equal(t, "agent-low", records[2].AgentID)
}

func TestRegistry_ReverseLookup(t *testing.T) {
	reg, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	rec, err := reg.ReverseLookup(ctx, "http://agent-a.example.io")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", rec.AgentID)

	_, err = reg.ReverseLookup(ctx, "http://nowhere.example.io")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// Expired records are invisible to reverse lookup.
	clk.Advance(61 * time.Second)
	_, err = reg.ReverseLookup(ctx, "http://agent-a.example.io")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_MarkEndpointNoopsOnUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, reg.MarkHealthy(ctx, "ghost", "http://x"))

	_, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)
	require.NoError(t, reg.MarkUnhealthy(ctx, "agent-a", "http://unknown-url"))

	rec, err := reg.GetRecord(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, rec.Endpoints[0].Healthy)
}

func TestRegistry_Stats(t *testing.T) {
	reg, clk := newTestRegistry(t, nil)
	ctx := context.Background()

	short := testRecord("agent-short")
	short.TTLSeconds = 1
	_, err := reg.Register(ctx, short)
	require.NoError(t, err)

	long := testRecord("agent-long")
	long.Domain = "other.io"
	_, err = reg.Register(ctx, long)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 1, stats.ActiveRecords)
	assert.Equal(t, 1, stats.ExpiredRecords)
	assert.Equal(t, 2, stats.Domains)
	assert.Equal(t, 2, stats.Capabilities)
}

func TestRegistry_Events(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	events := make(chan *Event, 16)
	subID := reg.Subscribe(func(e *Event) { events <- e })
	defer reg.Unsubscribe(subID)

	_, err := reg.Register(ctx, testRecord("agent-a"))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventAgentRegistered, e.Type)
		assert.Equal(t, "agent-a", e.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registration event")
	}

	_, err = reg.Deregister(ctx, "agent-a")
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventAgentDeregistered, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deregistration event")
	}
}

// TestRegistry_EndToEnd walks the full protocol flow: register, resolve
// against an unhealthy endpoint, manual health override, resolve again,
// deregister, and confirm the domain lookup is empty.
func TestRegistry_EndToEnd(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	rec := &AgentRecord{
		AgentID:      "A",
		Domain:       "d.io",
		Capabilities: []string{"nlp"},
		Endpoints:    []Endpoint{{Protocol: "http", URL: "http://x", Healthy: false}},
		TTLSeconds:   60,
	}
	_, err := reg.Register(ctx, rec)
	require.NoError(t, err)

	_, err = reg.Resolve(ctx, "A", "")
	assert.ErrorIs(t, err, ErrNoHealthyEndpoint)

	require.NoError(t, reg.MarkHealthy(ctx, "A", "http://x"))

	ep, err := reg.Resolve(ctx, "A", "")
	require.NoError(t, err)
	assert.Equal(t, "http://x", ep.URL)

	existed, err := reg.Deregister(ctx, "A")
	require.NoError(t, err)
	assert.True(t, existed)

	records, err := reg.LookupByDomain(ctx, "d.io")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRegistry_SweepLifecycle(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	clk := clock.NewManual(testEpoch)
	reg := NewRegistry(cfg, zap.NewNop(), WithClock(clk))
	ctx := context.Background()

	rec := testRecord("agent-a")
	rec.TTLSeconds = 1
	_, err := reg.Register(ctx, rec)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	reg.Start(ctx)
	defer reg.Stop()

	assert.Eventually(t, func() bool {
		_, err := reg.GetRecord(ctx, "agent-a")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "sweep should remove the expired record")
}

func TestRegistry_SweepRestart(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	clk := clock.NewManual(testEpoch)
	reg := NewRegistry(cfg, zap.NewNop(), WithClock(clk))
	ctx := context.Background()

	reg.Start(ctx)
	reg.Stop()

	// A stopped registry can be started again and still sweeps.
	reg.Start(ctx)

	rec := testRecord("agent-a")
	rec.TTLSeconds = 1
	_, err := reg.Register(ctx, rec)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	assert.Eventually(t, func() bool {
		_, err := reg.GetRecord(ctx, "agent-a")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "restarted sweep should remove the expired record")

	reg.Stop()
	reg.Stop() // repeated stop is a no-op
}
