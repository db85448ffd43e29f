package trust

import (
	"crypto/ed25519"
	"fmt"

	"go.uber.org/zap"
)

// AddTrustedPeer upserts a peer in the trust store. An existing entry keeps
// its AddedAt and accumulated certificates; key and trust level are
// replaced.
func (c *Chain) AddTrustedPeer(peerID string, pub ed25519.PublicKey, level TrustLevel) *Peer {
	c.mu.Lock()
	peer, exists := c.peers[peerID]
	if !exists {
		peer = &Peer{
			PeerID:  peerID,
			AddedAt: c.clk.NowMS(),
		}
		c.peers[peerID] = peer
	}
	peer.PublicKey = pub
	peer.PublicKeyB64 = EncodeKey(pub)
	peer.TrustLevel = level
	out := clonePeer(peer)
	c.mu.Unlock()

	c.logger.Info("trusted peer added",
		zap.String("peer_id", peerID),
		zap.String("trust_level", string(level)),
	)
	c.observers.emit(&Event{
		Type:        EventPeerAdded,
		PeerID:      peerID,
		TimestampMS: c.clk.NowMS(),
	})
	return out
}

// RemoveTrustedPeer deletes a peer, reporting whether it existed.
func (c *Chain) RemoveTrustedPeer(peerID string) bool {
	c.mu.Lock()
	_, exists := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()

	if exists {
		c.logger.Info("trusted peer removed", zap.String("peer_id", peerID))
		c.observers.emit(&Event{
			Type:        EventPeerRemoved,
			PeerID:      peerID,
			TimestampMS: c.clk.NowMS(),
		})
	}
	return exists
}

// GetTrustLevel returns the peer's trust level, or untrusted for unknown
// peers.
func (c *Chain) GetTrustLevel(peerID string) TrustLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peer, ok := c.peers[peerID]; ok {
		return peer.TrustLevel
	}
	return TrustLevelUntrusted
}

// GetPeer retrieves a peer from the trust store.
func (c *Chain) GetPeer(peerID string) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, ok := c.peers[peerID]
	if !ok {
		return nil, false
	}
	return clonePeer(peer), true
}

// ListTrustedPeers returns all peers in the trust store.
func (c *Chain) ListTrustedPeers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, peer := range c.peers {
		out = append(out, clonePeer(peer))
	}
	return out
}

// AddCertificateToPeer appends a certificate to a peer's list. The list is
// append-only; certificates are never replaced through this path.
func (c *Chain) AddCertificateToPeer(peerID string, cert *Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	peer, ok := c.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	peer.Certificates = append(peer.Certificates, cert.Clone())
	return nil
}

func clonePeer(p *Peer) *Peer {
	out := &Peer{
		PeerID:       p.PeerID,
		PublicKey:    append(ed25519.PublicKey(nil), p.PublicKey...),
		PublicKeyB64: p.PublicKeyB64,
		TrustLevel:   p.TrustLevel,
		AddedAt:      p.AddedAt,
	}
	if len(p.Certificates) > 0 {
		out.Certificates = make([]*Certificate, len(p.Certificates))
		for i, cert := range p.Certificates {
			out.Certificates[i] = cert.Clone()
		}
	}
	return out
}
