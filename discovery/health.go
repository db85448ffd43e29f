package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Well-known probe paths. The primary path is tried first; agents that only
// expose the discovery well-known tree answer on the fallback.
const (
	probePathPrimary  = "/health"
	probePathFallback = "/.well-known/agent-health"
)

// probeResult carries the outcome of one endpoint probe back to the
// lock-held apply step.
type probeResult struct {
	url       string
	healthy   bool
	latencyMS int64
}

// CheckHealth probes every endpoint of one agent concurrently and applies
// the results to the stored record. Network calls happen outside the
// registry lock; the write-back is a short lock-held mutation. The agent is
// reported healthy when any endpoint probe succeeded. Probe failures are
// data (the endpoint degrades to unhealthy), never an error return.
func (r *Registry) CheckHealth(ctx context.Context, agentID string) (bool, error) {
	r.mu.RLock()
	rec, exists, err := r.store.Get(ctx, agentID)
	r.mu.RUnlock()
	if err != nil {
		return false, fmt.Errorf("registry: read %q: %w", agentID, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	results := make([]probeResult, len(rec.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range rec.Endpoints {
		g.Go(func() error {
			results[i] = r.probeEndpoint(gctx, ep.URL)
			return nil
		})
	}
	// Probe goroutines never return errors; Wait is a join point.
	_ = g.Wait()

	overall := r.applyProbeResults(ctx, agentID, results)

	r.logger.Debug("agent health checked",
		zap.String("agent_id", agentID),
		zap.Bool("healthy", overall),
		zap.Int("endpoints", len(results)),
	)
	r.observers.emit(&Event{
		Type:        EventHealthChecked,
		AgentID:     agentID,
		Healthy:     overall,
		TimestampMS: r.clk.NowMS(),
	})

	return overall, nil
}

// applyProbeResults writes probe outcomes back to the stored record,
// matching endpoints by URL so a concurrent update cannot misdirect a
// result. Returns whether any probe succeeded.
func (r *Registry) applyProbeResults(ctx context.Context, agentID string, results []probeResult) bool {
	overall := false
	for _, res := range results {
		if res.healthy {
			overall = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists, err := r.store.Get(ctx, agentID)
	if err != nil || !exists {
		// Deregistered (or store failed) while probes were in flight;
		// nothing to apply.
		return overall
	}

	nowMS := r.clk.NowMS()
	for _, res := range results {
		for i := range rec.Endpoints {
			if rec.Endpoints[i].URL != res.url {
				continue
			}
			rec.Endpoints[i].Healthy = res.healthy
			rec.Endpoints[i].LastHealthCheck = nowMS
			if res.healthy {
				rec.Endpoints[i].LatencyMS = res.latencyMS
			}
		}
	}
	if err := r.store.Put(ctx, rec); err != nil {
		r.logger.Error("failed to store probe results",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
	return overall
}

// probeEndpoint issues a GET against the primary well-known path and falls
// back to the secondary one. Any 2xx response is healthy; the round-trip
// time of the successful attempt becomes the endpoint's latency. Every
// probe carries its own timeout, and a timed-out or erroring probe is
// simply unhealthy.
func (r *Registry) probeEndpoint(ctx context.Context, baseURL string) probeResult {
	res := probeResult{url: baseURL}

	for _, path := range []string{probePathPrimary, probePathFallback} {
		healthy, latencyMS := r.probeOnce(ctx, strings.TrimRight(baseURL, "/")+path)
		if healthy {
			res.healthy = true
			res.latencyMS = latencyMS
			return res
		}
	}
	return res
}

func (r *Registry) probeOnce(ctx context.Context, url string) (bool, int64) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if r.collector != nil {
			r.collector.RecordProbe(false, time.Since(start))
		}
		return false, 0
	}
	resp.Body.Close()
	elapsed := time.Since(start)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if r.collector != nil {
		r.collector.RecordProbe(ok, elapsed)
	}
	if !ok {
		return false, 0
	}

	latencyMS := elapsed.Milliseconds()
	if latencyMS < 1 {
		latencyMS = 1
	}
	return true, latencyMS
}

// CheckAllHealth fans CheckHealth out over every registered agent with
// bounded concurrency and returns a per-agent health map. Agents that
// disappear mid-flight are omitted.
func (r *Registry) CheckAllHealth(ctx context.Context) (map[string]bool, error) {
	r.mu.RLock()
	records, err := r.getAll(ctx)
	r.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}

	var (
		mu     sync.Mutex
		health = make(map[string]bool, len(records))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ProbeConcurrency)
	for _, rec := range records {
		agentID := rec.AgentID
		g.Go(func() error {
			healthy, err := r.CheckHealth(gctx, agentID)
			if err != nil {
				return nil
			}
			mu.Lock()
			health[agentID] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return health, nil
}
