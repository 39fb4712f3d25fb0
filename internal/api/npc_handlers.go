package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-npcsim/internal/agentcontext"
	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/idgen"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/flitsinc/go-npcsim/internal/schema"
	"github.com/flitsinc/go-npcsim/internal/state"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

var (
	errPromptTooLong = errBadRequest("prompt_too_long")
	errUnauthorized  = errors.New("unauthorized")
	errForbidden     = errors.New("forbidden")
	errActiveNPC     = errors.New("player already has an active npc")
)

type initialStats struct {
	Hunger    float64        `json:"hunger"`
	Energy    float64        `json:"energy"`
	Mood      float64        `json:"mood"`
	Money     float64        `json:"money"`
	Inventory map[string]int `json:"inventory"`
	Location  string         `json:"location"`
	Alive     bool           `json:"alive"`
}

type createResponse struct {
	ID           string       `json:"id"`
	PlayerID     string       `json:"player_id"`
	Name         string       `json:"name"`
	Prompt       string       `json:"prompt"`
	InitialStats initialStats `json:"initial_stats"`
}

type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type deleteResponse struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
	Message   string    `json:"message"`
}

func (s *Server) handleNPCs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createNPC(w, r)
	case http.MethodGet:
		s.listNPCs(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleNPCItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/npc/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || !idgen.Valid(segments[0]) {
		writeError(w, http.StatusNotFound, errNotFound("npc"))
		return
	}
	id := segments[0]

	if len(segments) == 2 && segments[1] == "prompt" {
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		s.updatePrompt(w, r, id)
		return
	}
	if len(segments) > 1 {
		writeError(w, http.StatusNotFound, errNotFound("npc action"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		agent, ok, err := s.Store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("npc"))
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case http.MethodDelete:
		s.deleteNPC(w, r, id)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) createNPC(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name     *string `json:"name"`
		Prompt   *string `json:"prompt"`
		PlayerID string  `json:"player_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Name == nil || strings.TrimSpace(*payload.Name) == "" {
		writeError(w, http.StatusBadRequest, errBadRequest("name is required and must be string"))
		return
	}
	if payload.Prompt == nil || *payload.Prompt == "" {
		writeError(w, http.StatusBadRequest, errBadRequest("prompt is required and must be string"))
		return
	}
	if promptLen(*payload.Prompt) > s.promptMaxLength() {
		writeError(w, http.StatusBadRequest, errPromptTooLong)
		return
	}

	playerID := agentcontext.PlayerIDFromContext(r.Context())
	if playerID == "" {
		playerID = strings.TrimSpace(payload.PlayerID)
	}
	if playerID == "" {
		playerID = anonymousPlayer
	}

	s.createMu.Lock()
	active, _, err := s.Store.FindAll(r.Context(), state.ListOptions{
		Filter: func(a npc.Agent) bool { return a.Alive && a.PlayerID == playerID },
		Limit:  1,
	})
	if err != nil {
		s.createMu.Unlock()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(active) > 0 {
		s.createMu.Unlock()
		writeError(w, http.StatusConflict, errActiveNPC)
		return
	}
	agent, err := s.Store.Save(r.Context(), npc.NewAgent(idgen.New(), playerID, strings.TrimSpace(*payload.Name), *payload.Prompt))
	s.createMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.appendEvent(r, audit.New(schema.EventNPCCreated, schema.SourceAPI, time.Now()).
		WithNPC(agent.ID).
		With(schema.DataActor, playerID).
		With(schema.DataName, agent.Name))
	if s.Bus != nil {
		s.Bus.Broadcast(schema.BroadcastNPCCreated, map[string]any{"id": agent.ID})
	}
	s.logger().Info("npc created", "npc_id", agent.ID, "player_id", playerID)

	writeJSON(w, http.StatusCreated, createResponse{
		ID:       agent.ID,
		PlayerID: agent.PlayerID,
		Name:     agent.Name,
		Prompt:   agent.Prompt,
		InitialStats: initialStats{
			Hunger:    agent.Hunger,
			Energy:    agent.Energy,
			Mood:      agent.Mood,
			Money:     agent.Money,
			Inventory: agent.Inventory,
			Location:  agent.Location,
			Alive:     agent.Alive,
		},
	})
}

func (s *Server) listNPCs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, errBadRequest("limit must be a positive integer between 1 and 100"))
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errBadRequest("offset must be a non-negative integer"))
			return
		}
		offset = n
	}

	items, total, err := s.Store.FindAll(r.Context(), state.ListOptions{Filter: npc.IsAlive, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []npc.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"npcs":       items,
		"pagination": pagination{Total: total, Limit: limit, Offset: offset},
	})
}

func (s *Server) updatePrompt(w http.ResponseWriter, r *http.Request, id string) {
	var payload struct {
		Prompt *string `json:"prompt"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Prompt == nil {
		writeError(w, http.StatusBadRequest, errBadRequest("prompt is required and must be string"))
		return
	}
	if promptLen(*payload.Prompt) > s.promptMaxLength() {
		writeError(w, http.StatusBadRequest, errPromptTooLong)
		return
	}
	playerID := agentcontext.PlayerIDFromContext(r.Context())
	if playerID == "" {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	var previous string
	saved, ok, err := s.Store.UpdateAgent(r.Context(), id, func(agent *npc.Agent) error {
		if agent.PlayerID != playerID {
			return errForbidden
		}
		previous = agent.Prompt
		agent.Prompt = *payload.Prompt
		return nil
	})
	if errors.Is(err, errForbidden) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("npc"))
		return
	}
	// Prompt edits are private to the owner: audited, not broadcast.
	s.appendEvent(r, audit.New(schema.EventPromptUpdated, schema.SourceAPI, time.Now()).
		WithNPC(id).
		With(schema.DataActor, playerID).
		With(schema.DataDiff, map[string]any{"from": previous, "to": saved.Prompt}))
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteNPC(w http.ResponseWriter, r *http.Request, id string) {
	playerID := agentcontext.PlayerIDFromContext(r.Context())
	if playerID == "" {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	agent, ok, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("npc"))
		return
	}
	if agent.PlayerID != playerID && !agentcontext.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	deletedAt := time.Now().UTC()
	s.appendEvent(r, audit.New(schema.EventNPCDeleted, schema.SourceAPI, deletedAt).
		WithNPC(id).
		With(schema.DataActor, playerID).
		With(schema.DataName, agent.Name))
	if err := s.Store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound("npc"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	message := agent.Name + " has left the town for good"
	if s.Bus != nil {
		s.Bus.Broadcast(schema.BroadcastNPCDeleted, map[string]any{
			"id":         id,
			"actor":      playerID,
			"deleted_at": deletedAt,
			"message":    message,
		})
	}
	s.logger().Info("npc deleted", "npc_id", id, "actor", playerID)
	writeJSON(w, http.StatusOK, deleteResponse{ID: id, DeletedAt: deletedAt, Message: message})
}

func (s *Server) appendEvent(r *http.Request, evt audit.Event) {
	if _, err := s.Store.AppendEvent(r.Context(), evt); err != nil {
		s.logger().Error("append audit event failed", "event_type", evt.Type, "error", err)
	}
}

// promptLen counts characters, not bytes.
func promptLen(p string) int {
	return len([]rune(p))
}
