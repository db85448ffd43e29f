package discovery

import (
	"sync"

	"github.com/google/uuid"
)

// EventType identifies a registry lifecycle event.
type EventType string

const (
	// EventAgentRegistered indicates an agent was registered.
	EventAgentRegistered EventType = "agent_registered"
	// EventAgentUpdated indicates an agent record was updated.
	EventAgentUpdated EventType = "agent_updated"
	// EventAgentDeregistered indicates an agent was deregistered.
	EventAgentDeregistered EventType = "agent_deregistered"
	// EventLookupHit indicates a protocol-facing lookup found a live record.
	EventLookupHit EventType = "lookup_hit"
	// EventLookupMiss indicates a protocol-facing lookup found nothing.
	EventLookupMiss EventType = "lookup_miss"
	// EventHealthChecked indicates an agent's endpoints were probed.
	EventHealthChecked EventType = "health_checked"
	// EventRecordsPurged indicates expired records were swept.
	EventRecordsPurged EventType = "records_purged"
)

// Event is one discrete registry lifecycle notification. Consumers observe;
// they cannot influence registry behavior.
type Event struct {
	Type EventType `json:"type"`

	// AgentID is the agent involved, when the event concerns one agent.
	AgentID string `json:"agent_id,omitempty"`

	// Healthy carries the overall outcome of a health check.
	Healthy bool `json:"healthy,omitempty"`

	// Purged carries the number of records removed by a sweep.
	Purged int `json:"purged,omitempty"`

	// TimestampMS is when the event occurred (epoch ms).
	TimestampMS int64 `json:"timestamp_ms"`
}

// EventHandler is a function that handles registry events.
type EventHandler func(event *Event)

// observers is the shared observer-registration mechanism used by the
// registry. Dispatch is fire-and-forget: each handler runs on its own
// goroutine and cannot block a mutation.
type observers struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func newObservers() *observers {
	return &observers{handlers: make(map[string]EventHandler)}
}

func (o *observers) subscribe(h EventHandler) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.NewString()
	o.handlers[id] = h
	return id
}

func (o *observers) unsubscribe(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handlers, id)
}

func (o *observers) emit(event *Event) {
	o.mu.RLock()
	handlers := make([]EventHandler, 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.mu.RUnlock()

	for _, h := range handlers {
		go h(event)
	}
}
