// Package cadp is the root of the CADP (agent discovery and trust protocol)
// module. The protocol surface lives in the subpackages:
//
//   - discovery: the agent registry — registration, TTL expiry,
//     capability/domain lookup, endpoint resolution, health probing
//   - trust: Ed25519 keys, certificates, peer trust store, canonical
//     message signing
//   - federation: signed envelopes and peer announcements
//   - config: service configuration
package cadp

// Version is the module version, overridden at build time for releases.
const Version = "0.3.0"
