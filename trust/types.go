package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// TrustLevel expresses how much a peer's signed material is trusted.
type TrustLevel string

const (
	// TrustLevelFull peers are fully trusted.
	TrustLevelFull TrustLevel = "full"
	// TrustLevelPartial peers are trusted for discovery responses but not
	// for registry mutations.
	TrustLevelPartial TrustLevel = "partial"
	// TrustLevelUntrusted is the default for unknown peers.
	TrustLevelUntrusted TrustLevel = "untrusted"
)

// KeyPair is the local party's Ed25519 key material. At most one pair is
// current at a time; rotation replaces it.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Certificate binds a subject name to a public key for a bounded time. The
// signature is computed by the issuer over the canonical serialization of
// all other fields. Timestamps are epoch milliseconds.
type Certificate struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	PublicKey string `json:"public_key"` // the subject's key, base64url
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"signature,omitempty"`
}

// Clone returns a copy of the certificate.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// Peer is one entry in the trust store.
type Peer struct {
	PeerID    string            `json:"peer_id"`
	PublicKey ed25519.PublicKey `json:"-"`
	// PublicKeyB64 is the wire form of PublicKey.
	PublicKeyB64 string         `json:"public_key"`
	TrustLevel   TrustLevel     `json:"trust_level"`
	AddedAt      int64          `json:"added_at"` // epoch ms, preserved across updates
	Certificates []*Certificate `json:"certificates,omitempty"`
}

// Identity names a certificate subject together with its public key.
type Identity struct {
	Subject   string
	PublicKey ed25519.PublicKey
}

// CertificateOptions tune certificate issuance.
type CertificateOptions struct {
	// Issuer names the issuing party; defaults to "self".
	Issuer string

	// Validity bounds the certificate lifetime; defaults to the chain's
	// configured validity (one year unless overridden).
	Validity time.Duration
}

// VerificationResult reports certificate validity together with every
// distinct reason it failed; checks are not short-circuited.
type VerificationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Config holds configuration for the trust chain.
type Config struct {
	// CertificateValidity is the default certificate lifetime.
	CertificateValidity time.Duration `json:"certificate_validity"`

	// IssuedAtTolerance is how far in the future a certificate's IssuedAt
	// may sit before verification reports it (clock skew allowance).
	IssuedAtTolerance time.Duration `json:"issued_at_tolerance"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CertificateValidity: 365 * 24 * time.Hour,
		IssuedAtTolerance:   60 * time.Second,
	}
}

// EncodeKey renders an Ed25519 public key in the URL-safe base64 wire form.
func EncodeKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodeKey parses the wire form of an Ed25519 public key.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("trust: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// EventType identifies a trust chain lifecycle event.
type EventType string

const (
	// EventPeerAdded indicates a peer was added to (or updated in) the
	// trust store.
	EventPeerAdded EventType = "trust_peer_added"
	// EventPeerRemoved indicates a peer was removed from the trust store.
	EventPeerRemoved EventType = "trust_peer_removed"
	// EventKeysRotated indicates the local keypair was rotated and issued
	// certificates re-signed.
	EventKeysRotated EventType = "keys_rotated"
)

// Event is one discrete trust chain notification.
type Event struct {
	Type        EventType `json:"type"`
	PeerID      string    `json:"peer_id,omitempty"`
	Resigned    int       `json:"resigned,omitempty"`
	TimestampMS int64     `json:"timestamp_ms"`
}

// EventHandler is a function that handles trust chain events.
type EventHandler func(event *Event)
