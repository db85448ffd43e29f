package discovery

import (
	"context"
	"fmt"
	"sort"
)

// Resolve selects the single best healthy endpoint for an agent. When a
// preferred protocol is given (non-empty) and the agent has healthy
// endpoints of that protocol, selection is restricted to them; otherwise it
// falls back to the full healthy set. Within the candidate set the endpoint
// with the strictly lowest measured latency wins; endpoints without a
// measurement are only chosen when nothing else is available.
func (r *Registry) Resolve(ctx context.Context, agentID, preferredProtocol string) (*Endpoint, error) {
	rec, err := r.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}

	healthy := make([]Endpoint, 0, len(rec.Endpoints))
	for _, ep := range rec.Endpoints {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyEndpoint, agentID)
	}

	candidates := healthy
	if preferredProtocol != "" {
		preferred := make([]Endpoint, 0, len(healthy))
		for _, ep := range healthy {
			if ep.Protocol == preferredProtocol {
				preferred = append(preferred, ep)
			}
		}
		if len(preferred) > 0 {
			candidates = preferred
		}
	}

	best := candidates[0]
	for _, ep := range candidates[1:] {
		if ep.measuredLatency() < best.measuredLatency() {
			best = ep
		}
	}
	return &best, nil
}

// ResolveAll flattens the healthy endpoints of every live record advertising
// a capability into one list ordered by ascending latency; endpoints without
// a measurement sort last. The stable sort keeps the record-priority order
// produced by the capability lookup for equal latencies.
func (r *Registry) ResolveAll(ctx context.Context, capability string) ([]Endpoint, error) {
	records, err := r.LookupByCapability(ctx, capability)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, rec := range records {
		for _, ep := range rec.Endpoints {
			if ep.Healthy {
				endpoints = append(endpoints, ep)
			}
		}
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].measuredLatency() < endpoints[j].measuredLatency()
	})
	return endpoints, nil
}
