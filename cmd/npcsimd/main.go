// Command npcsimd runs the NPC town: the simulated clock, the decision loop
// and the HTTP/websocket API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/go-npcsim/internal/api"
	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/config"
	"github.com/flitsinc/go-npcsim/internal/decider"
	"github.com/flitsinc/go-npcsim/internal/engine"
	"github.com/flitsinc/go-npcsim/internal/eventbus"
	"github.com/flitsinc/go-npcsim/internal/schema"
	"github.com/flitsinc/go-npcsim/internal/simclock"
	"github.com/flitsinc/go-npcsim/internal/state"
	"github.com/flitsinc/go-npcsim/internal/templates"
	"github.com/flitsinc/go-npcsim/internal/web"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("create data dir", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		fatal("open db", err)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	archive := audit.NewArchive(cfg.AuditArchiveDir, logger)
	defer archive.Close()

	store := state.NewStore(db, state.WithEventObserver(archive.Observe))
	bus := eventbus.NewBus()

	clock := simclock.New(store, simclock.Config{
		DayDuration:     cfg.DayDuration,
		HandlerTimeout:  cfg.DayEndHandlerTimeout,
		GuaranteeCredit: cfg.GuaranteeCredit,
	}, simclock.WithLogger(logger))
	clock.OnDayEnd(func(d simclock.DayEnd) {
		bus.Broadcast(schema.BroadcastDayEnd, map[string]any{
			"sim_day":  d.SimDay,
			"event_id": d.Event.ID,
		})
	})

	dec, err := decider.New(decider.Config{
		Provider: cfg.DeciderProvider,
		URL:      cfg.DeciderURL,
		APIKey:   cfg.DeciderAPIKey,
	})
	if err != nil {
		fatal("decider", err)
	}
	loop := engine.NewLoop(store, dec, bus, engine.Config{
		Interval:        cfg.DecisionInterval,
		DecisionTimeout: cfg.DecisionTimeout,
	}, engine.WithLogger(logger))

	promptTemplates := templates.New(cfg.PromptTemplatesPath, logger)
	if err := promptTemplates.Watch(); err != nil {
		slog.Warn("prompt templates will not reload", "path", cfg.PromptTemplatesPath, "error", err)
	}
	defer promptTemplates.Close()

	deciderName := cfg.DeciderProvider
	if deciderName == "" {
		deciderName = "auto"
	}
	apiServer := &api.Server{
		Store:           store,
		Bus:             bus,
		Clock:           clock,
		Loop:            loop,
		Templates:       promptTemplates,
		PromptMaxLength: cfg.PromptMaxLength,
		Logger:          logger,
		StartedAt:       time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:        cfg.HTTPAddr,
			DataDir:         cfg.DataDir,
			DBPath:          cfg.DBPath,
			AuditArchiveDir: cfg.AuditArchiveDir,
			Decider:         deciderName,
		},
	}

	listener, err := api.Listen(cfg.HTTPAddr)
	if err != nil {
		fatal("listener", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	if cfg.WebDir != "" {
		mux.Handle("/", (&web.Server{Dir: cfg.WebDir}).Handler())
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	clock.Start()
	loop.Start()

	go func() {
		slog.Info("npcsimd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("http server", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	loop.Stop()
	clock.Stop()
	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown error", "error", err)
	}
	_ = httpServer.Close()
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
