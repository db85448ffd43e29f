package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cortexos/cadp/discovery"
	"github.com/cortexos/cadp/internal/clock"
	"github.com/cortexos/cadp/trust"
)

// announcePath is where federated registries accept signed announcements.
const announcePath = "/cadp/announce"

// AnnouncerConfig holds configuration for the announcer.
type AnnouncerConfig struct {
	// SenderID identifies this node in outbound envelopes.
	SenderID string

	// PeerURLs are the base URLs of federated registries.
	PeerURLs []string

	// Timeout bounds each announcement request.
	Timeout time.Duration

	// RetryCount is the number of retries per peer after a failed request.
	RetryCount int

	// RetryDelay is the delay between retries.
	RetryDelay time.Duration

	// RatePerSecond paces outbound announcements across all peers.
	RatePerSecond float64
}

// DefaultAnnouncerConfig returns an AnnouncerConfig with sensible defaults.
func DefaultAnnouncerConfig(senderID string) *AnnouncerConfig {
	return &AnnouncerConfig{
		SenderID:      senderID,
		Timeout:       10 * time.Second,
		RetryCount:    3,
		RetryDelay:    time.Second,
		RatePerSecond: 5,
	}
}

// Announcer pushes signed registration announcements to federated peers.
// Sends are rate-limited so a burst of local registrations cannot flood the
// federation.
type Announcer struct {
	cfg        *AnnouncerConfig
	chain      *trust.Chain
	httpClient *http.Client
	limiter    *rate.Limiter
	clk        clock.Clock
	logger     *zap.Logger
}

// NewAnnouncer creates an announcer signing with the given trust chain.
func NewAnnouncer(cfg *AnnouncerConfig, chain *trust.Chain, logger *zap.Logger) *Announcer {
	if cfg == nil {
		cfg = DefaultAnnouncerConfig("cadp-node")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{
		cfg:        cfg,
		chain:      chain,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		clk:        clock.Real(),
		logger:     logger.With(zap.String("component", "federation_announcer")),
	}
}

// Announce signs a registration announcement for the record and posts it to
// every configured peer. Per-peer failures are joined into one error; a
// partial delivery still reaches the peers that accepted it.
func (a *Announcer) Announce(ctx context.Context, rec *discovery.AgentRecord) error {
	pair := a.chain.CurrentKeyPair()
	if pair == nil {
		return ErrNoKeyPair
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("federation: marshal record: %w", err)
	}
	env, err := SignEnvelope(&Envelope{
		SenderID:    a.cfg.SenderID,
		Operation:   OpAnnounce,
		Payload:     payload,
		TimestampMS: a.clk.NowMS(),
	}, pair.PrivateKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("federation: marshal envelope: %w", err)
	}

	var errs []error
	for _, peerURL := range a.cfg.PeerURLs {
		if err := a.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.post(ctx, peerURL, body); err != nil {
			a.logger.Warn("announcement failed",
				zap.String("peer_url", peerURL),
				zap.String("agent_id", rec.AgentID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("peer %s: %w", peerURL, err))
			continue
		}
		a.logger.Debug("announcement delivered",
			zap.String("peer_url", peerURL),
			zap.String("agent_id", rec.AgentID),
		)
	}
	return errors.Join(errs...)
}

func (a *Announcer) post(ctx context.Context, peerURL string, body []byte) error {
	url := strings.TrimRight(peerURL, "/") + announcePath

	var lastErr error
	for attempt := 0; attempt <= a.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("federation: peer returned status %d", resp.StatusCode)
	}
	return lastErr
}
