package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/panelsync/internal/entity"
	"github.com/dokzlo13/panelsync/internal/ledger"
	"github.com/dokzlo13/panelsync/internal/optimistic"
	"github.com/dokzlo13/panelsync/internal/session"
)

const (
	defaultHistoryWindow = 24 * time.Hour
	defaultCommandLimit  = 50
	maxCommandLimit      = 500
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady answers 200 only while the hub session is live.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Session.Status()
	if st.State != session.StateLive {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"state":  st.State.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	State      string     `json:"state"`
	Fault      string     `json:"fault,omitempty"`
	Attempt    int        `json:"attempt"`
	NextRetry  *time.Time `json:"next_retry,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Since      time.Time  `json:"since"`
	Entities   int        `json:"entities"`
	BusDropped uint64     `json:"bus_dropped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Session.Status()
	resp := statusResponse{
		State:     st.State.String(),
		Attempt:   st.Attempt,
		LastError: st.LastError,
		Since:     st.Since,
		Entities:  len(s.deps.Store.All()),
	}
	if s.deps.Events != nil {
		resp.BusDropped = s.deps.Events.Dropped()
	}
	if st.Fault != session.FaultNone {
		resp.Fault = st.Fault.String()
	}
	if !st.NextRetry.IsZero() {
		next := st.NextRetry
		resp.NextRetry = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Resume()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	all := s.deps.Store.All()
	records := make([]*entity.Record, 0, len(all))
	for _, rec := range all {
		if domain != "" && rec.Domain() != domain {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"entities": records,
		"count":    len(records),
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := s.deps.Store.Get(id)
	if rec == nil {
		writeNotFound(w, fmt.Sprintf("entity %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeNotFound(w, "history is not available")
		return
	}
	id := chi.URLParam(r, "id")

	window := defaultHistoryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeBadRequest(w, fmt.Sprintf("invalid window %q", raw))
			return
		}
		window = d
	}

	points, err := s.deps.History.History(r.Context(), id, window)
	if err != nil {
		log.Warn().Err(err).Str("entity_id", id).Msg("History request failed")
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": id,
		"window":    window.String(),
		"points":    points,
	})
}

type commandResponse struct {
	Type      string         `json:"type"`
	At        time.Time      `json:"at"`
	RequestID string         `json:"request_id,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func toCommandResponses(entries []*ledger.Entry) []commandResponse {
	out := make([]commandResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, commandResponse{
			Type:      string(e.EventType),
			At:        e.Timestamp,
			RequestID: e.IdempotencyKey,
			EntityID:  e.EntityID,
			Details:   e.Payload,
		})
	}
	return out
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultCommandLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxCommandLimit {
		n = maxCommandLimit
	}
	return n, nil
}

func (s *Server) handleEntityCommands(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeNotFound(w, "ledger is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.deps.Ledger.GetByEntity(chi.URLParam(r, "id"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeInternalError(w, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": toCommandResponses(entries)})
}

func (s *Server) handleRecentCommands(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeNotFound(w, "ledger is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.deps.Ledger.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeInternalError(w, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": toCommandResponses(entries)})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeNotFound(w, "ledger is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.deps.Ledger.GetByType(ledger.EventConnectionChanged, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeInternalError(w, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": toCommandResponses(entries)})
}

type controlResponse struct {
	EntityID  string   `json:"entity_id"`
	Name      string   `json:"name,omitempty"`
	On        bool     `json:"on"`
	Preset    string   `json:"preset"`
	Value     *float64 `json:"value"`
	Pending   bool     `json:"pending"`
	Step      float64  `json:"step"`
	Service   string   `json:"service,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type releaseRequest struct {
	Value *float64 `json:"value"`
}

// control resolves the preset and entity in the URL, writing an error
// response when either is unusable.
func (s *Server) control(w http.ResponseWriter, r *http.Request) (*optimistic.Control, optimistic.Spec, bool) {
	name := chi.URLParam(r, "preset")
	id := chi.URLParam(r, "id")

	spec, ok := optimistic.Lookup(name)
	if !ok {
		writeNotFound(w, fmt.Sprintf("unknown control %q, want one of %s", name, strings.Join(optimistic.PresetNames(), ", ")))
		return nil, spec, false
	}
	rec := s.deps.Store.Get(id)
	if rec == nil {
		writeNotFound(w, fmt.Sprintf("entity %q not found", id))
		return nil, spec, false
	}
	if rec.Domain() != spec.Domain {
		writeError(w, http.StatusConflict, ErrCodeConflict,
			fmt.Sprintf("control %q needs a %s entity, %q is %s", name, spec.Domain, id, rec.Domain()))
		return nil, spec, false
	}
	return s.deps.Coordinator.NewControl(spec, id), spec, true
}

func (s *Server) controlState(ctl *optimistic.Control, spec optimistic.Spec) controlResponse {
	resp := controlResponse{
		EntityID: ctl.Key().EntityID,
		Preset:   spec.Name,
		Pending:  ctl.Pending(),
		Step:     ctl.Step(),
	}
	if rec := s.deps.Store.Get(resp.EntityID); rec != nil {
		resp.Name = rec.FriendlyName()
		resp.On = rec.IsOn()
	}
	if v, ok := ctl.Value(); ok {
		resp.Value = &v
	}
	return resp
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	ctl, spec, ok := s.control(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.controlState(ctl, spec))
}

func (s *Server) handleReleaseControl(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	ctl, spec, ok := s.control(w, r)
	if !ok {
		return
	}
	if rec := s.deps.Store.Get(ctl.Key().EntityID); rec == nil || !rec.IsAvailable() {
		writeError(w, http.StatusConflict, ErrCodeUnavailable,
			fmt.Sprintf("entity %q is unavailable", ctl.Key().EntityID))
		return
	}

	out := ctl.Release(r.Context(), *req.Value)

	resp := s.controlState(ctl, spec)
	resp.Service = out.Service
	resp.RequestID = out.RequestID
	if !out.OK() {
		resp.Error = out.Err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
