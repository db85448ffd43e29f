package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortexos/cadp/internal/clock"
	"github.com/cortexos/cadp/internal/metrics"
)

// Registry is the agent registry (AgentDNS). It owns the record store and
// two derived indexes (domain and capability) and keeps them consistent
// under a single read/write lock: index membership always reflects the
// current field values of a stored record.
type Registry struct {
	mu sync.RWMutex

	// store holds the primary records.
	store RecordStore

	// getAll is the bulk-read path selected at construction: stores with
	// the BulkReader capability serve it directly, others fall back to a
	// scan.
	getAll func(ctx context.Context) ([]*AgentRecord, error)

	// domainIndex maps domain -> set of agent IDs.
	domainIndex map[string]map[string]struct{}

	// capabilityIndex maps capability name -> set of agent IDs.
	capabilityIndex map[string]map[string]struct{}

	observers *observers

	cfg       *RegistryConfig
	clk       clock.Clock
	logger    *zap.Logger
	collector *metrics.Collector

	// httpClient performs health probes; per-probe deadlines come from the
	// request context, not the client.
	httpClient *http.Client

	// done belongs to the current sweep run; Start replaces it so the
	// registry survives a stop/start cycle.
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore replaces the default in-memory record store.
func WithStore(store RecordStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithClock injects a time source; defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clk = clk }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.collector = c }
}

// WithHTTPClient replaces the HTTP client used for health probes.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.httpClient = client }
}

// NewRegistry creates an agent registry. A nil config or logger is replaced
// by defaults; the default store is the in-memory implementation.
func NewRegistry(cfg *RegistryConfig, logger *zap.Logger, opts ...Option) *Registry {
	if cfg == nil {
		cfg = DefaultRegistryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		domainIndex:     make(map[string]map[string]struct{}),
		capabilityIndex: make(map[string]map[string]struct{}),
		observers:       newObservers(),
		cfg:             cfg,
		clk:             clock.Real(),
		logger:          logger.With(zap.String("component", "agent_registry")),
		httpClient:      &http.Client{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = newMemoryStore()
	}

	if bulk, ok := r.store.(BulkReader); ok {
		r.getAll = bulk.GetAll
	} else {
		r.getAll = func(ctx context.Context) ([]*AgentRecord, error) {
			var out []*AgentRecord
			err := r.store.Scan(ctx, func(rec *AgentRecord) bool {
				out = append(out, rec)
				return true
			})
			return out, err
		}
	}

	return r
}

// Start launches the periodic expiry sweep. The sweep shares the registry
// write lock with other mutators only for the duration of its removals and
// never blocks lookups in between.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop(ctx, done)
	r.logger.Info("registry sweep started",
		zap.Duration("interval", r.cfg.CleanupInterval),
	)
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	done := r.done
	r.mu.Unlock()

	close(done)
	r.wg.Wait()
	r.logger.Info("registry sweep stopped")
}

func (r *Registry) sweepLoop(ctx context.Context, done <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.PurgeExpired(ctx); err != nil {
				r.logger.Error("expiry sweep failed", zap.Error(err))
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Register stores a record, replacing any previous record for the same
// agent ID in full (including CreatedAt). Non-positive TTLs are replaced by
// the configured default. At capacity, a new agent first triggers an expiry
// sweep; if the registry is still full the call fails with ErrRegistryFull.
func (r *Registry) Register(ctx context.Context, rec *AgentRecord) (*AgentRecord, error) {
	if rec == nil || rec.AgentID == "" {
		return nil, ErrMissingAgentID
	}

	r.mu.Lock()

	stored := rec.Clone()
	if stored.TTLSeconds <= 0 {
		stored.TTLSeconds = r.cfg.DefaultTTLSeconds
	}

	old, exists, err := r.store.Get(ctx, stored.AgentID)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: read %q: %w", stored.AgentID, err)
	}

	if !exists {
		count, err := r.store.Count(ctx)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry: count: %w", err)
		}
		if count >= r.cfg.MaxRecords {
			purged, err := r.purgeExpiredLocked(ctx)
			if err != nil {
				r.mu.Unlock()
				return nil, err
			}
			if count-purged >= r.cfg.MaxRecords {
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: %d records", ErrRegistryFull, count-purged)
			}
		}
	}

	stored.CreatedAt = r.clk.NowMS()
	stored.ExpiresAt = stored.CreatedAt + stored.TTLSeconds*1000

	if exists {
		r.deindexLocked(old)
	}
	if err := r.store.Put(ctx, stored); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: store %q: %w", stored.AgentID, err)
	}
	r.indexLocked(stored)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.AgentID),
		zap.String("domain", stored.Domain),
		zap.Int("endpoints", len(stored.Endpoints)),
		zap.Int64("ttl_seconds", stored.TTLSeconds),
	)
	if r.collector != nil {
		r.collector.RecordRegistration()
	}
	r.observers.emit(&Event{
		Type:        EventAgentRegistered,
		AgentID:     stored.AgentID,
		TimestampMS: stored.CreatedAt,
	})

	return stored.Clone(), nil
}

// Update merges a partial update into an existing record. The agent ID is
// immutable and CreatedAt is preserved; a TTL change recomputes ExpiresAt
// from the preserved CreatedAt. The record is removed from both indexes
// under its old field values before re-indexing under the new ones, so a
// domain or capability change never leaves stale index membership.
func (r *Registry) Update(ctx context.Context, agentID string, upd *RecordUpdate) (*AgentRecord, error) {
	r.mu.Lock()

	old, exists, err := r.store.Get(ctx, agentID)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: read %q: %w", agentID, err)
	}
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	r.deindexLocked(old)

	merged := old.Clone()
	if upd != nil {
		if upd.Domain != nil {
			merged.Domain = *upd.Domain
		}
		if upd.Capabilities != nil {
			merged.Capabilities = append([]string(nil), upd.Capabilities...)
		}
		if upd.Endpoints != nil {
			merged.Endpoints = append([]Endpoint(nil), upd.Endpoints...)
		}
		if upd.Priority != nil {
			merged.Priority = *upd.Priority
		}
		if upd.Weight != nil {
			merged.Weight = *upd.Weight
		}
		if upd.Metadata != nil {
			merged.Metadata = make(map[string]string, len(upd.Metadata))
			for k, v := range upd.Metadata {
				merged.Metadata[k] = v
			}
		}
		if upd.TTLSeconds != nil {
			ttl := *upd.TTLSeconds
			if ttl <= 0 {
				ttl = r.cfg.DefaultTTLSeconds
			}
			merged.TTLSeconds = ttl
			merged.ExpiresAt = merged.CreatedAt + ttl*1000
		}
	}

	if err := r.store.Put(ctx, merged); err != nil {
		// Restore the old index entries so the indexes keep matching the
		// record still present in the store.
		r.indexLocked(old)
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: store %q: %w", agentID, err)
	}
	r.indexLocked(merged)
	r.mu.Unlock()

	r.logger.Info("agent updated", zap.String("agent_id", agentID))
	r.observers.emit(&Event{
		Type:        EventAgentUpdated,
		AgentID:     agentID,
		TimestampMS: r.clk.NowMS(),
	})

	return merged.Clone(), nil
}

// Deregister removes a record and de-indexes it, reporting whether it
// existed.
func (r *Registry) Deregister(ctx context.Context, agentID string) (bool, error) {
	r.mu.Lock()

	old, exists, err := r.store.Get(ctx, agentID)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("registry: read %q: %w", agentID, err)
	}
	if !exists {
		r.mu.Unlock()
		return false, nil
	}

	if _, err := r.store.Delete(ctx, agentID); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("registry: delete %q: %w", agentID, err)
	}
	r.deindexLocked(old)
	r.mu.Unlock()

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	if r.collector != nil {
		r.collector.RecordDeregistration()
	}
	r.observers.emit(&Event{
		Type:        EventAgentDeregistered,
		AgentID:     agentID,
		TimestampMS: r.clk.NowMS(),
	})

	return true, nil
}

// Lookup is the protocol-facing query: it returns the record only if it is
// present and not expired. Expired records are treated as absent here but
// remain visible through GetRecord.
func (r *Registry) Lookup(ctx context.Context, agentID string) (*AgentRecord, error) {
	r.mu.RLock()
	rec, exists, err := r.store.Get(ctx, agentID)
	nowMS := r.clk.NowMS()
	r.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("registry: read %q: %w", agentID, err)
	}
	if !exists || rec.Expired(nowMS) {
		if r.collector != nil {
			r.collector.RecordLookup(false)
		}
		r.observers.emit(&Event{Type: EventLookupMiss, AgentID: agentID, TimestampMS: nowMS})
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	if r.collector != nil {
		r.collector.RecordLookup(true)
	}
	r.observers.emit(&Event{Type: EventLookupHit, AgentID: agentID, TimestampMS: nowMS})
	return rec, nil
}

// GetRecord is the raw accessor used by administrative tooling: it does not
// apply expiry filtering.
func (r *Registry) GetRecord(ctx context.Context, agentID string) (*AgentRecord, error) {
	r.mu.RLock()
	rec, exists, err := r.store.Get(ctx, agentID)
	r.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("registry: read %q: %w", agentID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return rec, nil
}

// LookupByDomain returns all live records in a domain, sorted by ascending
// priority. The order of records sharing a priority is not specified.
func (r *Registry) LookupByDomain(ctx context.Context, domain string) ([]*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupIndexLocked(ctx, r.domainIndex[domain])
}

// LookupByCapability returns all live records advertising a capability,
// sorted by ascending priority.
func (r *Registry) LookupByCapability(ctx context.Context, capability string) ([]*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupIndexLocked(ctx, r.capabilityIndex[capability])
}

func (r *Registry) lookupIndexLocked(ctx context.Context, ids map[string]struct{}) ([]*AgentRecord, error) {
	nowMS := r.clk.NowMS()
	out := make([]*AgentRecord, 0, len(ids))
	for id := range ids {
		rec, exists, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("registry: read %q: %w", id, err)
		}
		if !exists || rec.Expired(nowMS) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

// ReverseLookup scans all live records for one with an endpoint exactly
// matching the given URL.
func (r *Registry) ReverseLookup(ctx context.Context, url string) (*AgentRecord, error) {
	r.mu.RLock()
	records, err := r.getAll(ctx)
	nowMS := r.clk.NowMS()
	r.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}

	for _, rec := range records {
		if rec.Expired(nowMS) {
			continue
		}
		for _, ep := range rec.Endpoints {
			if ep.URL == url {
				return rec, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: endpoint %s", ErrAgentNotFound, url)
}

// GetAllRecords returns every stored record, expired ones included.
func (r *Registry) GetAllRecords(ctx context.Context) ([]*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getAll(ctx)
}

// MarkHealthy sets the health flag of a single endpoint matched by exact
// URL without probing it. Unknown agents or URLs are a no-op.
func (r *Registry) MarkHealthy(ctx context.Context, agentID, url string) error {
	return r.markEndpoint(ctx, agentID, url, true)
}

// MarkUnhealthy is the unhealthy counterpart of MarkHealthy.
func (r *Registry) MarkUnhealthy(ctx context.Context, agentID, url string) error {
	return r.markEndpoint(ctx, agentID, url, false)
}

func (r *Registry) markEndpoint(ctx context.Context, agentID, url string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists, err := r.store.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("registry: read %q: %w", agentID, err)
	}
	if !exists {
		return nil
	}

	changed := false
	nowMS := r.clk.NowMS()
	for i := range rec.Endpoints {
		if rec.Endpoints[i].URL == url {
			rec.Endpoints[i].Healthy = healthy
			rec.Endpoints[i].LastHealthCheck = nowMS
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("registry: store %q: %w", agentID, err)
	}
	return nil
}

// PurgeExpired removes every record whose expiry has passed, de-indexing
// each, and returns the number removed.
func (r *Registry) PurgeExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	purged, err := r.purgeExpiredLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		r.logger.Info("expired records purged", zap.Int("count", purged))
		if r.collector != nil {
			r.collector.RecordPurged(purged)
		}
		r.observers.emit(&Event{
			Type:        EventRecordsPurged,
			Purged:      purged,
			TimestampMS: r.clk.NowMS(),
		})
	}
	return purged, nil
}

func (r *Registry) purgeExpiredLocked(ctx context.Context) (int, error) {
	records, err := r.getAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: scan: %w", err)
	}

	nowMS := r.clk.NowMS()
	purged := 0
	for _, rec := range records {
		if !rec.Expired(nowMS) {
			continue
		}
		if _, err := r.store.Delete(ctx, rec.AgentID); err != nil {
			return purged, fmt.Errorf("registry: delete %q: %w", rec.AgentID, err)
		}
		r.deindexLocked(rec)
		purged++
	}
	return purged, nil
}

// Stats computes registry counters on demand from the store so they cannot
// drift from the actual state.
func (r *Registry) Stats(ctx context.Context) (*RegistryStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records, err := r.getAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}

	stats := &RegistryStats{
		TotalRecords: len(records),
		Domains:      len(r.domainIndex),
		Capabilities: len(r.capabilityIndex),
	}
	nowMS := r.clk.NowMS()
	for _, rec := range records {
		if rec.Expired(nowMS) {
			stats.ExpiredRecords++
		} else {
			stats.ActiveRecords++
		}
	}
	return stats, nil
}

// Subscribe registers an observer for registry events and returns a
// subscription ID. Handlers run on their own goroutines.
func (r *Registry) Subscribe(handler EventHandler) string {
	return r.observers.subscribe(handler)
}

// Unsubscribe removes a previously registered observer.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.observers.unsubscribe(subscriptionID)
}

func (r *Registry) indexLocked(rec *AgentRecord) {
	if r.domainIndex[rec.Domain] == nil {
		r.domainIndex[rec.Domain] = make(map[string]struct{})
	}
	r.domainIndex[rec.Domain][rec.AgentID] = struct{}{}

	for _, cap := range rec.Capabilities {
		if r.capabilityIndex[cap] == nil {
			r.capabilityIndex[cap] = make(map[string]struct{})
		}
		r.capabilityIndex[cap][rec.AgentID] = struct{}{}
	}
}

func (r *Registry) deindexLocked(rec *AgentRecord) {
	if ids, ok := r.domainIndex[rec.Domain]; ok {
		delete(ids, rec.AgentID)
		if len(ids) == 0 {
			delete(r.domainIndex, rec.Domain)
		}
	}
	for _, cap := range rec.Capabilities {
		if ids, ok := r.capabilityIndex[cap]; ok {
			delete(ids, rec.AgentID)
			if len(ids) == 0 {
				delete(r.capabilityIndex, cap)
			}
		}
	}
}
