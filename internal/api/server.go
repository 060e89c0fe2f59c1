// Package api is the node's HTTP surface: key-value access, node status,
// repair statistics and a manual repair trigger, plus Prometheus metrics.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"QuadRing/internal/kvstore"
	"QuadRing/internal/logger"
	"QuadRing/internal/repair"
	"QuadRing/internal/ring"
)

const (
	// maxValueSize is the largest accepted value (1 MB).
	maxValueSize = 1 << 20
)

// Store is the key-value surface the API exposes.
type Store interface {
	Get(key ring.Key) (kvstore.Entry, bool, error)
	Write(key ring.Key, value []byte) (kvstore.Entry, error)
	Delete(key ring.Key) error
}

// Repairer is the repair engine surface the API exposes.
type Repairer interface {
	Stats() repair.StatsSnapshot
	OpenSessions() int
	TriggerRound()
	TriggerKeySync(key ring.Key) error
}

// StatusProvider exposes node identity for monitoring.
type StatusProvider interface {
	ID() string
	Position() ring.Key
	Quadrant() int
	PeerCount() int
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	store    Store
	repairer Repairer
	status   StatusProvider
	registry *prometheus.Registry
	server   *http.Server
}

// New creates an API server. The registry carries the repair collectors
// served at /metrics.
func New(addr string, store Store, repairer Repairer, status StatusProvider, registry *prometheus.Registry) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		repairer: repairer,
		status:   status,
		registry: registry,
	}
}

// Routes builds the router. Split out so tests can drive the handlers
// without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/kv/{key}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Put("/", s.handlePut)
		r.Delete("/", s.handleDelete)
	})

	r.Get("/repair/stats", s.handleRepairStats)
	r.Post("/repair/trigger", s.handleRepairTrigger)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// entryResponse is the JSON shape of a store entry.
type entryResponse struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

// handleGet handles GET /kv/{key}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	e, found, err := s.store.Get(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !found || e.Empty() {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}

	writeJSON(w, http.StatusOK, entryResponse{
		Key:     key.String(),
		Value:   e.Value,
		Version: e.Version,
	})
}

// handlePut handles PUT /kv/{key}; the body is the raw value.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(value) == 0 {
		writeError(w, http.StatusBadRequest, "empty value")
		return
	}

	e, err := s.store.Write(key, value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, entryResponse{
		Key:     key.String(),
		Value:   e.Value,
		Version: e.Version,
	})
}

// handleDelete handles DELETE /kv/{key}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	err := s.store.Delete(key)

	switch {
	case errors.Is(err, kvstore.ErrLocked):
		writeError(w, http.StatusConflict, "entry is locked")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            s.status.ID(),
		"position":      s.status.Position().String(),
		"quadrant":      s.status.Quadrant(),
		"peers":         s.status.PeerCount(),
		"open_sessions": s.repairer.OpenSessions(),
	})
}

// handleRepairStats handles GET /repair/stats.
func (s *Server) handleRepairStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.repairer.Stats())
}

// handleRepairTrigger handles POST /repair/trigger. With a key query
// parameter it opens a targeted session; otherwise it starts one round.
func (s *Server) handleRepairTrigger(w http.ResponseWriter, r *http.Request) {
	if keyHex := r.URL.Query().Get("key"); keyHex != "" {
		key, err := decodeKey(keyHex)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := s.repairer.TriggerKeySync(key); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"session": "targeted"})
		return
	}

	s.repairer.TriggerRound()
	writeJSON(w, http.StatusAccepted, map[string]string{"session": "round"})
}

// parseKey reads the key path parameter, writing an error response on
// failure.
func parseKey(w http.ResponseWriter, r *http.Request) (ring.Key, bool) {
	key, err := decodeKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return ring.Key{}, false
	}

	return key, true
}

// decodeKey parses a 32-character hex ring key.
func decodeKey(s string) (ring.Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ring.Key{}, errors.New("key must be hex")
	}

	return ring.KeyFromBytes(raw)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
