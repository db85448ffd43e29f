// Package trust implements the CADP trust chain: Ed25519 key management,
// time-bounded certificates binding a subject name to a public key, a peer
// trust store with explicit trust levels, key rotation with certificate
// re-signing, and canonical signing of structured protocol messages.
//
// Verification outcomes are data, not errors: certificate checks return an
// accumulated list of distinct failure reasons so a caller can tell
// "expired but authentic" apart from "forged", and signature verification
// returns false on malformed input instead of failing.
package trust
