package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cortexos/cadp/internal/clock"
)

// Chain manages the local keypair, the certificates this party has issued,
// and the peer trust store. One mutex covers the key material and the
// issued-certificate list so rotation is atomic with respect to concurrent
// issuance: a certificate issued before a rotation is re-signed by it, one
// issued after is signed by the new key, and none is dropped.
type Chain struct {
	mu sync.Mutex

	current *KeyPair
	issued  []*Certificate
	peers   map[string]*Peer

	observers *chainObservers

	cfg    *Config
	clk    clock.Clock
	logger *zap.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithClock injects a time source; defaults to the system clock.
func WithClock(clk clock.Clock) ChainOption {
	return func(c *Chain) { c.clk = clk }
}

// NewChain creates a trust chain. A nil config or logger is replaced by
// defaults. No keypair exists until GenerateKeyPair is called.
func NewChain(cfg *Config, logger *zap.Logger, opts ...ChainOption) *Chain {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{
		peers:     make(map[string]*Peer),
		observers: newChainObservers(),
		cfg:       cfg,
		clk:       clock.Real(),
		logger:    logger.With(zap.String("component", "trust_chain")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateKeyPair produces a new Ed25519 keypair and makes it the current
// one, replacing any previously held pair. Older key material survives only
// inside certificates that embed it.
func (c *Chain) GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("trust: generate key pair: %w", err)
	}
	pair := &KeyPair{PublicKey: pub, PrivateKey: priv}

	c.mu.Lock()
	c.current = pair
	c.mu.Unlock()

	c.logger.Info("key pair generated", zap.String("public_key", EncodeKey(pub)))
	return pair, nil
}

// CurrentKeyPair returns the active keypair, or nil before the first
// GenerateKeyPair call.
func (c *Chain) CurrentKeyPair() *KeyPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SignWithCurrentKey signs a structured message with the chain's current
// private key. It fails with ErrNoKeyPair before the first GenerateKeyPair
// call.
func (c *Chain) SignWithCurrentKey(message map[string]any) (map[string]any, error) {
	pair := c.CurrentKeyPair()
	if pair == nil {
		return nil, ErrNoKeyPair
	}
	return SignCADPMessage(message, pair.PrivateKey)
}

// CreateCertificate issues a certificate binding the identity's subject
// name to its public key, signed with the given private key, and records it
// in the local issued list.
func (c *Chain) CreateCertificate(identity Identity, signerPriv ed25519.PrivateKey, opts *CertificateOptions) (*Certificate, error) {
	if len(signerPriv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}

	issuer := "self"
	validity := c.cfg.CertificateValidity
	if opts != nil {
		if opts.Issuer != "" {
			issuer = opts.Issuer
		}
		if opts.Validity > 0 {
			validity = opts.Validity
		}
	}

	now := c.clk.NowMS()
	cert := &Certificate{
		ID:        uuid.NewString(),
		Subject:   identity.Subject,
		Issuer:    issuer,
		PublicKey: EncodeKey(identity.PublicKey),
		IssuedAt:  now,
		ExpiresAt: now + validity.Milliseconds(),
	}

	body, err := certificateSigningBytes(cert)
	if err != nil {
		return nil, err
	}
	sig, err := SignMessage(body, signerPriv)
	if err != nil {
		return nil, err
	}
	cert.Signature = sig

	c.mu.Lock()
	c.issued = append(c.issued, cert)
	c.mu.Unlock()

	c.logger.Info("certificate issued",
		zap.String("certificate_id", cert.ID),
		zap.String("subject", cert.Subject),
		zap.String("issuer", cert.Issuer),
	)
	return cert.Clone(), nil
}

// VerifyCertificate checks a certificate against the signer's public key.
// Expiry, future-dated issuance and signature mismatch are each checked and
// reported independently so an expired-but-authentic certificate can be
// told apart from a forged one.
func (c *Chain) VerifyCertificate(cert *Certificate, signerPub ed25519.PublicKey) *VerificationResult {
	result := &VerificationResult{}
	if cert == nil {
		result.Errors = append(result.Errors, "certificate is nil")
		return result
	}

	now := c.clk.NowMS()
	if cert.ExpiresAt <= now {
		result.Errors = append(result.Errors, "certificate expired")
	}
	if cert.IssuedAt > now+c.cfg.IssuedAtTolerance.Milliseconds() {
		result.Errors = append(result.Errors, "certificate issued in the future")
	}

	body, err := certificateSigningBytes(&Certificate{
		ID:        cert.ID,
		Subject:   cert.Subject,
		Issuer:    cert.Issuer,
		PublicKey: cert.PublicKey,
		IssuedAt:  cert.IssuedAt,
		ExpiresAt: cert.ExpiresAt,
	})
	if err != nil || !VerifySignature(body, cert.Signature, signerPub) {
		result.Errors = append(result.Errors, "signature mismatch")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// IssuedCertificates returns a copy of the certificates this party has
// issued.
func (c *Chain) IssuedCertificates() []*Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Certificate, len(c.issued))
	for i, cert := range c.issued {
		out[i] = cert.Clone()
	}
	return out
}

// RotateKeys generates a fresh keypair and re-signs every certificate this
// party has issued: each keeps its ID, subject, issuer and expiry but gets
// the new public key, a fresh IssuedAt and a signature by the new private
// key. Certificates verified against the old public key fail afterwards;
// that is the intended effect of rotation, not a defect.
func (c *Chain) RotateKeys() (*KeyPair, []*Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("trust: generate key pair: %w", err)
	}
	pair := &KeyPair{PublicKey: pub, PrivateKey: priv}

	c.mu.Lock()
	now := c.clk.NowMS()
	resigned := make([]*Certificate, len(c.issued))
	for i, old := range c.issued {
		cert := &Certificate{
			ID:        old.ID,
			Subject:   old.Subject,
			Issuer:    old.Issuer,
			PublicKey: EncodeKey(pub),
			IssuedAt:  now,
			ExpiresAt: old.ExpiresAt,
		}
		body, err := certificateSigningBytes(cert)
		if err != nil {
			c.mu.Unlock()
			return nil, nil, err
		}
		sig, err := SignMessage(body, priv)
		if err != nil {
			c.mu.Unlock()
			return nil, nil, err
		}
		cert.Signature = sig
		resigned[i] = cert
	}
	c.current = pair
	c.issued = resigned
	count := len(resigned)
	c.mu.Unlock()

	c.logger.Info("keys rotated",
		zap.String("public_key", EncodeKey(pub)),
		zap.Int("certificates_resigned", count),
	)
	c.observers.emit(&Event{
		Type:        EventKeysRotated,
		Resigned:    count,
		TimestampMS: now,
	})

	out := make([]*Certificate, count)
	for i, cert := range resigned {
		out[i] = cert.Clone()
	}
	return pair, out, nil
}

// Subscribe registers an observer for trust chain events and returns a
// subscription ID.
func (c *Chain) Subscribe(handler EventHandler) string {
	return c.observers.subscribe(handler)
}

// Unsubscribe removes a previously registered observer.
func (c *Chain) Unsubscribe(subscriptionID string) {
	c.observers.unsubscribe(subscriptionID)
}

// chainObservers mirrors the registry's observer mechanism for trust
// events: fire-and-forget goroutine dispatch.
type chainObservers struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func newChainObservers() *chainObservers {
	return &chainObservers{handlers: make(map[string]EventHandler)}
}

func (o *chainObservers) subscribe(h EventHandler) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.NewString()
	o.handlers[id] = h
	return id
}

func (o *chainObservers) unsubscribe(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handlers, id)
}

func (o *chainObservers) emit(event *Event) {
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
