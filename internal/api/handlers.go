package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/roastlabs/ingestion/internal/auth"
	"github.com/roastlabs/ingestion/internal/roast"
	"github.com/roastlabs/ingestion/internal/store"
)

// roastStatus validates a session status filter value.
func roastStatus(raw string) roast.SessionStatus {
	switch roast.SessionStatus(raw) {
	case roast.StatusActive, roast.StatusClosed:
		return roast.SessionStatus(raw)
	default:
		return ""
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())
	q := r.URL.Query()

	filter := store.SessionFilter{
		OrgID:     q.Get("orgId"),
		SiteID:    q.Get("siteId"),
		MachineID: q.Get("machineId"),
	}
	if status := q.Get("status"); status != "" {
		filter.Status = roastStatus(status)
		if filter.Status == "" {
			writeError(w, http.StatusBadRequest, "status must be ACTIVE or CLOSED")
			return
		}
	}
	// Non-system callers only ever see their own org, whatever they asked for.
	if !actor.System {
		filter.OrgID = actor.OrgID
	}

	limit, err := parseLimit(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	offset, err := parseLimit(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if summary := s.loadAuthorizedSession(w, r); summary != nil {
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	limit, err := parseLimit(r, "limit", defaultTelemetryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	query := store.TelemetryQuery{Limit: limit}
	if query.FromElapsed, err = parseOptFloat(r, "fromElapsedSeconds"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if query.ToElapsed, err = parseOptFloat(r, "toElapsedSeconds"); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	samples, err := s.store.GetTelemetry(r.Context(), summary.SessionID, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get telemetry: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	events, err := s.store.GetEvents(r.Context(), summary.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get events: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	s.handleGetDoc(w, r, s.store.GetMeta)
}

func (s *Server) handlePutMeta(w http.ResponseWriter, r *http.Request) {
	s.handlePutDoc(w, r, s.store.PutMeta)
}

func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	s.handleGetDoc(w, r, s.store.GetOverrides)
}

func (s *Server) handlePutOverrides(w http.ResponseWriter, r *http.Request) {
	s.handlePutDoc(w, r, s.store.PutOverrides)
}

// The meta and override documents share get/put plumbing: opaque JSON blobs
// keyed by session.
func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request,
	get func(ctx context.Context, sessionID string) (json.RawMessage, error)) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	doc, err := get(r.Context(), summary.SessionID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "session %s has no such document", summary.SessionID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get document: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request,
	put func(ctx context.Context, sessionID string, body json.RawMessage) error) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be a JSON document")
		return
	}
	if err := put(r.Context(), summary.SessionID, body); err != nil {
		writeError(w, http.StatusInternalServerError, "put document: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	limit, err := parseLimit(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	offset, err := parseLimit(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	notes, err := s.store.ListNotes(r.Context(), summary.SessionID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list notes: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	var req struct {
		Author string          `json:"author"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid note body: %v", err)
		return
	}
	if len(req.Body) == 0 {
		writeError(w, http.StatusBadRequest, "note body is required")
		return
	}
	note, err := s.store.AddNote(r.Context(), summary.SessionID, req.Author, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "add note: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	limit, err := parseLimit(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	offset, err := parseLimit(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	reports, err := s.store.ListReports(r.Context(), summary.SessionID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list reports: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	report, err := s.store.LatestReport(r.Context(), summary.SessionID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "session %s has no reports", summary.SessionID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "latest report: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCreateReport is idempotent on (sessionId, reportKind): the first
// create answers 201, replays answer 200 with the original row.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	summary := s.loadAuthorizedSession(w, r)
	if summary == nil {
		return
	}
	var req struct {
		ReportKind string          `json:"reportKind"`
		Body       json.RawMessage `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid report body: %v", err)
		return
	}
	if len(req.Body) == 0 {
		req.Body = json.RawMessage(`{}`)
	}
	report, created, err := s.store.CreateReport(r.Context(), summary.SessionID, req.ReportKind, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create report: %v", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, report)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reportID := mux.Vars(r)["reportId"]
	report, err := s.store.GetReport(r.Context(), reportID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "report %s not found", reportID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get report: %v", err)
		return
	}
	summary, err := s.store.GetSession(r.Context(), report.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load session: %v", err)
		return
	}
	if status, err := auth.RequireOrg(r.Context(), summary.OrgID); err != nil {
		writeError(w, status, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
