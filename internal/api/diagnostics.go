package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr        string `json:"http_addr"`
	DataDir         string `json:"data_dir"`
	DBPath          string `json:"db_path"`
	AuditArchiveDir string `json:"audit_archive_dir"`
	Decider         string `json:"decider"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Clock         map[string]any  `json:"clock"`
	Decisions     map[string]any  `json:"decisions"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		EventBus:      map[string]any{},
		Clock:         map[string]any{},
		Decisions:     map[string]any{},
	}
	if s.Bus != nil {
		stats := s.Bus.Stats()
		resp.EventBus["subscribers"] = stats.Subscribers
		resp.EventBus["published"] = stats.Published
		resp.EventBus["dropped"] = stats.Dropped
	}
	if s.Clock != nil {
		cfg := s.Clock.Config()
		resp.Clock["running"] = s.Clock.Running()
		resp.Clock["sim_day"] = s.Clock.Now().SimDay
		resp.Clock["day_duration_ms"] = cfg.DayDuration.Milliseconds()
		resp.Clock["guarantee_credit"] = cfg.GuaranteeCredit
		if next := s.Clock.NextRollover(); !next.IsZero() {
			resp.Clock["next_rollover"] = next.UTC()
		}
	}
	if s.Loop != nil {
		cfg := s.Loop.Config()
		resp.Decisions["running"] = s.Loop.Running()
		resp.Decisions["interval_ms"] = cfg.Interval.Milliseconds()
		resp.Decisions["timeout_ms"] = cfg.DecisionTimeout.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}
