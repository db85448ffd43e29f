// Package discovery implements the agent registry of the CADP protocol:
// a DNS-like, in-memory directory that lets distributed agents advertise
// capabilities and reachable endpoints, be looked up by ID, domain or
// capability, be health-checked over the network, and expire by TTL.
//
// The registry guards its record store and both secondary indexes (domain
// and capability) behind a single read/write lock; health probing is the
// only network-bound operation and runs outside that lock, applying results
// back in a short lock-held mutation.
package discovery
