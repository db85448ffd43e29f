package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cortexos/cadp/config"
	"github.com/cortexos/cadp/discovery"
	"github.com/cortexos/cadp/federation"
	"github.com/cortexos/cadp/trust"
)

// server exposes the registry and trust chain over a minimal JSON surface:
// administration, health, metrics, and the federation announce endpoint.
type server struct {
	cfg      config.ServerConfig
	registry *discovery.Registry
	chain    *trust.Chain
	logger   *zap.Logger
}

func newServer(cfg config.ServerConfig, registry *discovery.Registry, chain *trust.Chain, logger *zap.Logger) *server {
	return &server{
		cfg:      cfg,
		registry: registry,
		chain:    chain,
		logger:   logger.With(zap.String("component", "http_server")),
	}
}

func (s *server) run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/agents", s.handleRegister)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleLookup)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregister)
	mux.HandleFunc("GET /v1/agents/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /cadp/announce", s.handleAnnounce)

	httpSrv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var rec discovery.AgentRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	stored, err := s.registry.Register(r.Context(), &rec)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, discovery.ErrRegistryFull):
			status = http.StatusInsufficientStorage
		case errors.Is(err, discovery.ErrMissingAgentID):
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}
	s.writeSigned(w, http.StatusCreated, map[string]any{"record": stored})
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, discovery.ErrAgentNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeSigned(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	existed, err := s.registry.Deregister(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !existed {
		s.writeError(w, http.StatusNotFound, discovery.ErrAgentNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.Resolve(r.Context(), r.PathValue("id"), r.URL.Query().Get("protocol"))
	if err != nil {
		if errors.Is(err, discovery.ErrAgentNotFound) || errors.Is(err, discovery.ErrNoHealthyEndpoint) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeSigned(w, http.StatusOK, map[string]any{"endpoint": ep})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleAnnounce accepts a signed envelope from a federated peer. The
// envelope is verified against the peer trust store before the wrapped
// record may touch the registry.
func (s *server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var env federation.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := federation.VerifyEnvelope(s.chain, &env); err != nil {
		s.logger.Warn("rejected announcement",
			zap.String("sender_id", env.SenderID),
			zap.Error(err),
		)
		s.writeError(w, http.StatusForbidden, err)
		return
	}

	var rec discovery.AgentRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	stored, err := s.registry.Register(r.Context(), &rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeSigned(w, http.StatusOK, map[string]any{"record": stored})
}

// writeSigned signs a discovery response with the local key before sending
// it, so federated callers can verify provenance. Responses go out unsigned
// when no keypair exists yet.
func (s *server) writeSigned(w http.ResponseWriter, status int, body map[string]any) {
	// Round-trip through JSON so the signed form matches what the client
	// will canonicalize after decoding.
	data, err := json.Marshal(body)
	if err == nil {
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			if signed, err := s.chain.SignWithCurrentKey(msg); err == nil {
				s.writeJSON(w, status, signed)
				return
			}
		}
	}
	s.writeJSON(w, status, body)
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
