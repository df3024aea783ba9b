// Package api is the HTTP query surface: session summaries, per-session
// telemetry/events/QC/report reads, and the live SSE/websocket streams.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roastlabs/ingestion/internal/auth"
	"github.com/roastlabs/ingestion/internal/livestore"
	"github.com/roastlabs/ingestion/internal/metrics"
	"github.com/roastlabs/ingestion/internal/roast"
	"github.com/roastlabs/ingestion/internal/store"
)

const (
	defaultListLimit      = 50
	defaultTelemetryLimit = 2000
)

// Server serves the query surface. All session-scoped routes enforce org
// isolation against the authenticated actor.
type Server struct {
	store         *store.Store
	liveTelemetry *livestore.Store[roast.StoredTelemetry]
	liveEvents    *livestore.Store[roast.StoredEvent]
	liveEnvelopes *livestore.Store[roast.Envelope]
	gate          *auth.Gate
	metrics       *metrics.Metrics
	logger        *log.Logger
	router        *mux.Router
}

// Config wires the server's collaborators.
type Config struct {
	Store         *store.Store
	LiveTelemetry *livestore.Store[roast.StoredTelemetry]
	LiveEvents    *livestore.Store[roast.StoredEvent]
	LiveEnvelopes *livestore.Store[roast.Envelope]
	Gate          *auth.Gate
	Metrics       *metrics.Metrics
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:         cfg.Store,
		liveTelemetry: cfg.LiveTelemetry,
		liveEvents:    cfg.LiveEvents,
		liveEnvelopes: cfg.LiveEnvelopes,
		gate:          cfg.Gate,
		metrics:       cfg.Metrics,
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.gate.Middleware)

	authed.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/telemetry", s.handleGetTelemetry).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/events/overrides", s.handleGetOverrides).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/events/overrides", s.handlePutOverrides).Methods(http.MethodPut)
	authed.HandleFunc("/sessions/{id}/events", s.handleGetEvents).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/meta", s.handleGetMeta).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/meta", s.handlePutMeta).Methods(http.MethodPut)
	authed.HandleFunc("/sessions/{id}/notes", s.handleListNotes).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/notes", s.handleAddNote).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}/reports/latest", s.handleLatestReport).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/reports", s.handleListReports).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/reports", s.handleCreateReport).Methods(http.MethodPost)
	authed.HandleFunc("/reports/{reportId}", s.handleGetReport).Methods(http.MethodGet)

	authed.HandleFunc("/stream/telemetry", s.streamTelemetry).Methods(http.MethodGet)
	authed.HandleFunc("/stream/events", s.streamEvents).Methods(http.MethodGet)
	authed.HandleFunc("/stream/envelopes/telemetry", s.streamTelemetryEnvelopes).Methods(http.MethodGet)
	authed.HandleFunc("/stream/envelopes/events", s.streamEventEnvelopes).Methods(http.MethodGet)
	authed.HandleFunc("/ws/stream", s.handleWebsocket).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// parseLimit parses a non-negative integer query parameter; empty or zero
// falls back to the default.
func parseLimit(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	if n == 0 {
		return def, nil
	}
	return n, nil
}

func parseOptFloat(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &f, nil
}

// loadAuthorizedSession fetches the session and enforces org isolation. It
// writes the error response itself and returns nil when the caller should
// stop.
func (s *Server) loadAuthorizedSession(w http.ResponseWriter, r *http.Request) *roast.SessionSummary {
	sessionID := mux.Vars(r)["id"]
	summary, err := s.store.GetSession(r.Context(), sessionID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "session %s not found", sessionID)
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load session: %v", err)
		return nil
	}
	if status, err := auth.RequireOrg(r.Context(), summary.OrgID); err != nil {
		writeError(w, status, "%v", err)
		return nil
	}
	return summary
}
