package api

import (
	"errors"
	"net/http"

	"github.com/flitsinc/go-npcsim/internal/agentcontext"
	"github.com/flitsinc/go-npcsim/internal/engine"
)

func (s *Server) handleDayEndReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !agentcontext.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if s.Clock == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("clock"))
		return
	}
	var payload struct {
		SimDay *int64 `json:"sim_day"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.SimDay == nil || *payload.SimDay < 0 {
		writeError(w, http.StatusBadRequest, errBadRequest("sim_day is required and must be non-negative"))
		return
	}
	if current := s.Clock.Now().SimDay; *payload.SimDay > current {
		writeError(w, http.StatusBadRequest, errBadRequest("sim_day has not ended yet"))
		return
	}

	res := s.Clock.Replay(r.Context(), *payload.SimDay)
	body := map[string]any{
		"sim_day":         res.SimDay,
		"idempotency_key": res.Key,
		"outcome":         res.Outcome,
		"event_id":        res.Event.ID,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDecisionsRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !agentcontext.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if s.Loop == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("decision loop"))
		return
	}
	res := s.Loop.RunCycle(r.Context())
	if errors.Is(res.Err, engine.ErrCycleInProgress) {
		writeError(w, http.StatusConflict, res.Err)
		return
	}
	body := map[string]any{
		"agents":    res.Agents,
		"decisions": res.Decisions,
		"applied":   res.Applied,
		"fallbacks": res.Fallbacks,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
