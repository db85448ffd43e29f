package discovery

import (
	"context"
	"time"
)

// AgentRecord describes one registered agent: its identity, the domain it
// serves, the capabilities it advertises, and the endpoints it is reachable
// at. Timestamps are epoch milliseconds to match the CADP wire format.
type AgentRecord struct {
	// AgentID is the globally unique identifier of the agent.
	AgentID string `json:"agent_id"`

	// Domain is the logical domain the agent belongs to (e.g. "search.io").
	Domain string `json:"domain"`

	// Capabilities is the set of capability names the agent advertises.
	Capabilities []string `json:"capabilities"`

	// Endpoints is the list of network addresses the agent is reachable at.
	Endpoints []Endpoint `json:"endpoints"`

	// TTLSeconds governs when the record is treated as expired. Non-positive
	// values are replaced by the registry's configured default at
	// registration time.
	TTLSeconds int64 `json:"ttl_seconds"`

	// Priority orders records in domain and capability lookups; lower is
	// preferred.
	Priority int `json:"priority"`

	// Weight is advisory and not used for selection by the registry itself.
	Weight int `json:"weight"`

	// Metadata is an opaque key/value bag carried with the record.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is set when the record is registered (epoch ms). A fresh
	// Register resets it; Update preserves it.
	CreatedAt int64 `json:"created_at"`

	// ExpiresAt is CreatedAt + TTLSeconds*1000 (epoch ms), recomputed
	// whenever TTLSeconds changes.
	ExpiresAt int64 `json:"expires_at"`
}

// Expired reports whether the record is expired at the given epoch-ms time.
func (r *AgentRecord) Expired(nowMS int64) bool {
	return r.ExpiresAt <= nowMS
}

// Clone returns a deep copy of the record.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	out := *r
	if len(r.Capabilities) > 0 {
		out.Capabilities = make([]string, len(r.Capabilities))
		copy(out.Capabilities, r.Capabilities)
	}
	if len(r.Endpoints) > 0 {
		out.Endpoints = make([]Endpoint, len(r.Endpoints))
		copy(out.Endpoints, r.Endpoints)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Endpoint is one network-reachable address of a record, with independent
// health and latency state. Endpoints are owned by their parent record and
// never indexed on their own.
type Endpoint struct {
	// Protocol is the transport tag, e.g. "http" or "grpc".
	Protocol string `json:"protocol"`

	// URL is the reachable address.
	URL string `json:"url"`

	// Healthy reports whether the last probe (or manual override) found the
	// endpoint reachable.
	Healthy bool `json:"healthy"`

	// LatencyMS is the round-trip time of the last successful probe in
	// milliseconds. Zero means no successful probe has been recorded yet;
	// such endpoints sort after all measured ones during resolution.
	LatencyMS int64 `json:"latency_ms,omitempty"`

	// LastHealthCheck is when the endpoint was last probed (epoch ms).
	LastHealthCheck int64 `json:"last_health_check,omitempty"`
}

// measuredLatency returns the latency used for endpoint comparison: an
// endpoint without a measurement is never preferred over one with data.
func (e *Endpoint) measuredLatency() int64 {
	if e.LatencyMS <= 0 {
		return int64(^uint64(0) >> 1)
	}
	return e.LatencyMS
}

// RecordUpdate is a partial update to an existing record. Nil fields are
// left untouched; the agent ID itself is immutable.
type RecordUpdate struct {
	Domain       *string           `json:"domain,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Endpoints    []Endpoint        `json:"endpoints,omitempty"`
	TTLSeconds   *int64            `json:"ttl_seconds,omitempty"`
	Priority     *int              `json:"priority,omitempty"`
	Weight       *int              `json:"weight,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegistryStats is a point-in-time view of the registry, computed on demand
// from the store rather than tracked incrementally.
type RegistryStats struct {
	TotalRecords   int `json:"total_records"`
	ActiveRecords  int `json:"active_records"`
	ExpiredRecords int `json:"expired_records"`
	Domains        int `json:"domains"`
	Capabilities   int `json:"capabilities"`
}

// RegistryConfig holds configuration for the agent registry.
type RegistryConfig struct {
	// DefaultTTLSeconds replaces non-positive TTLs at registration time.
	DefaultTTLSeconds int64 `json:"default_ttl_seconds"`

	// MaxRecords caps the number of stored records. Registration of a new
	// agent beyond the cap first attempts an expiry sweep, then fails.
	MaxRecords int `json:"max_records"`

	// CleanupInterval is the period of the background expiry sweep.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// ProbeTimeout bounds each individual health probe.
	ProbeTimeout time.Duration `json:"probe_timeout"`

	// ProbeConcurrency limits how many agents are probed at once during
	// CheckAllHealth.
	ProbeConcurrency int `json:"probe_concurrency"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		DefaultTTLSeconds: 3600,
		MaxRecords:        10000,
		CleanupInterval:   60 * time.Second,
		ProbeTimeout:      5 * time.Second,
		ProbeConcurrency:  16,
	}
}

// RecordStore is the storage contract the registry builds on. The registry
// owns the secondary indexes; a store only holds the primary records.
type RecordStore interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec *AgentRecord) error

	// Get retrieves a record by agent ID. The bool reports presence.
	Get(ctx context.Context, agentID string) (*AgentRecord, bool, error)

	// Delete removes a record, reporting whether it existed.
	Delete(ctx context.Context, agentID string) (bool, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Scan visits every record until fn returns false.
	Scan(ctx context.Context, fn func(*AgentRecord) bool) error
}

// BulkReader is an optional capability of a RecordStore: stores that can
// return all records in one call implement it, and the registry selects the
// bulk path once at construction instead of probing per call.
type BulkReader interface {
	GetAll(ctx context.Context) ([]*AgentRecord, error)
}
