package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-npcsim/internal/agentcontext"
	"github.com/flitsinc/go-npcsim/internal/engine"
	"github.com/flitsinc/go-npcsim/internal/eventbus"
	"github.com/flitsinc/go-npcsim/internal/simclock"
	"github.com/flitsinc/go-npcsim/internal/state"
	"github.com/flitsinc/go-npcsim/internal/templates"
)

const (
	// PlayerHeader carries the caller's opaque player identity.
	PlayerHeader = "X-Player-Id"

	anonymousPlayer = "player:anon"
)

type Server struct {
	Store           *state.Store
	Bus             *eventbus.Bus
	Clock           *simclock.Clock
	Loop            *engine.Loop
	Templates       *templates.Set
	PromptMaxLength int
	Logger          *slog.Logger
	StartedAt       time.Time
	Info            DiagnosticsInfo

	// createMu makes the one-agent-per-player check and the insert atomic.
	createMu sync.Mutex
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/time", s.handleTime)
	mux.HandleFunc("/api/npc", s.handleNPCs)
	mux.HandleFunc("/api/npc/", s.handleNPCItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/admin/day-end/replay", s.handleDayEndReplay)
	mux.HandleFunc("/api/admin/decisions/run", s.handleDecisionsRun)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/prompt-templates", s.handlePromptTemplates)

	return withPlayer(mux)
}

// withPlayer moves the player header into the request context.
func withPlayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(PlayerHeader); id != "" {
			r = r.WithContext(agentcontext.WithPlayerID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) promptMaxLength() int {
	if s.PromptMaxLength > 0 {
		return s.PromptMaxLength
	}
	return 5000
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handlePromptTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	list := []any{}
	if s.Templates != nil {
		list = s.Templates.Templates()
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Clock == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("clock"))
		return
	}
	writeJSON(w, http.StatusOK, s.Clock.Now())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 100)
	if limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, errBadRequest("limit must be between 1 and 1000"))
		return
	}
	events, err := s.Store.ListEvents(r.Context(), state.EventFilter{
		Type:     strings.TrimSpace(q.Get("type")),
		NPCID:    strings.TrimSpace(q.Get("npc_id")),
		AfterSeq: int64(parseInt(q.Get("after"), 0)),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error {
	return badRequestError{msg: msg}
}
