// Package federation is the boundary between the registry core and the
// wire: it wraps registry operations in signed CADP envelopes, verifies
// inbound envelopes against the peer trust store before they may touch the
// registry, and announces local registrations to federated peers.
package federation

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cortexos/cadp/trust"
)

// Envelope operations understood by federated registries.
const (
	OpRegister          = "register"
	OpDeregister        = "deregister"
	OpAnnounce          = "announce"
	OpDiscoveryResponse = "discovery_response"
)

// Federation errors.
var (
	// ErrUntrustedPeer indicates the sender is unknown or explicitly
	// untrusted.
	ErrUntrustedPeer = errors.New("federation: untrusted peer")

	// ErrBadSignature indicates the envelope signature does not verify
	// against the sender's stored public key.
	ErrBadSignature = errors.New("federation: bad envelope signature")

	// ErrInsufficientTrust indicates the sender is authentic but its trust
	// level does not permit the requested operation.
	ErrInsufficientTrust = errors.New("federation: insufficient trust level")

	// ErrNoKeyPair indicates the local trust chain has no current keypair
	// to sign with.
	ErrNoKeyPair = errors.New("federation: no signing key pair")
)

// Envelope wraps one registry operation for the wire. The signature covers
// the canonical form of every other field, nested payload included.
type Envelope struct {
	SenderID    string          `json:"sender_id"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMS int64           `json:"timestamp_ms"`
	Signature   string          `json:"signature,omitempty"`
}

// toMap renders the envelope as the structured message form the canonical
// signer works on.
func (e *Envelope) toMap() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("federation: marshal envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("federation: unmarshal envelope: %w", err)
	}
	return m, nil
}

// SignEnvelope returns a copy of the envelope carrying a signature by the
// given private key.
func SignEnvelope(env *Envelope, priv ed25519.PrivateKey) (*Envelope, error) {
	msg, err := env.toMap()
	if err != nil {
		return nil, err
	}
	signed, err := trust.SignCADPMessage(msg, priv)
	if err != nil {
		return nil, err
	}
	sig, _ := signed["signature"].(string)

	out := *env
	out.Signature = sig
	return &out, nil
}

// mutatesRegistry reports whether an operation writes to the registry.
func mutatesRegistry(op string) bool {
	switch op {
	case OpRegister, OpDeregister, OpAnnounce:
		return true
	}
	return false
}

// VerifyEnvelope checks an inbound envelope before it may reach the
// registry: the sender must be a trusted peer, the signature must verify
// against the peer's stored public key, and mutating operations require
// full trust. Partial peers are accepted for discovery responses only.
func VerifyEnvelope(chain *trust.Chain, env *Envelope) error {
	peer, ok := chain.GetPeer(env.SenderID)
	if !ok || peer.TrustLevel == trust.TrustLevelUntrusted {
		return fmt.Errorf("%w: %s", ErrUntrustedPeer, env.SenderID)
	}

	msg, err := env.toMap()
	if err != nil {
		return err
	}
	if !trust.VerifyCADPMessage(msg, peer.PublicKey) {
		return fmt.Errorf("%w: sender %s", ErrBadSignature, env.SenderID)
	}

	if mutatesRegistry(env.Operation) && peer.TrustLevel != trust.TrustLevelFull {
		return fmt.Errorf("%w: %s peer %s may not %s",
			ErrInsufficientTrust, peer.TrustLevel, env.SenderID, env.Operation)
	}
	return nil
}
