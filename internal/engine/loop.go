// Package engine runs the periodic decision cycle: one decision per living
// agent, each bounded by a per-call timeout, applied and broadcast in order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/flitsinc/go-npcsim/internal/schema"
	"github.com/flitsinc/go-npcsim/internal/state"
)

const (
	DefaultInterval        = 90 * time.Second
	DefaultDecisionTimeout = 5 * time.Second
)

var (
	ErrDecisionTimeout = errors.New("decision timeout")
	ErrCycleInProgress = errors.New("decision cycle already running")
)

// Decider produces one decision for an agent. It must return promptly once
// ctx is done.
type Decider interface {
	GenerateDecision(ctx context.Context, agent npc.Agent) (npc.Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, agent npc.Agent) (npc.Decision, error)

func (f DeciderFunc) GenerateDecision(ctx context.Context, agent npc.Agent) (npc.Decision, error) {
	return f(ctx, agent)
}

// Store is the part of the entity store the loop depends on.
type Store interface {
	FindAll(ctx context.Context, opts state.ListOptions) ([]npc.Agent, int, error)
	UpdateAgent(ctx context.Context, id string, fn func(*npc.Agent) error) (npc.Agent, bool, error)
	AppendEvent(ctx context.Context, evt audit.Event) (audit.Event, error)
}

// Publisher receives state_update broadcasts. Delivery is best effort.
type Publisher interface {
	Broadcast(name string, payload any)
}

type Config struct {
	Interval        time.Duration
	DecisionTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = DefaultDecisionTimeout
	}
	return c
}

// StateUpdate is the payload of a state_update broadcast. Version increases
// strictly within one loop and is meant for ordering only.
type StateUpdate struct {
	Timestamp        time.Time          `json:"timestamp"`
	NPCID            string             `json:"npc_id"`
	DeltaChanges     map[string]float64 `json:"delta_changes"`
	NewStateSnapshot npc.Agent          `json:"new_state_snapshot"`
	Version          int64              `json:"version"`
}

// CycleResult summarizes one RunCycle call.
type CycleResult struct {
	Agents    int   `json:"agents"`
	Decisions int   `json:"decisions"`
	Applied   int   `json:"applied"`
	Fallbacks int   `json:"fallbacks"`
	Err       error `json:"-"`
}

type pending struct {
	agentID  string
	decision npc.Decision
	started  time.Time
	finished time.Time
}

type Loop struct {
	store   Store
	decider Decider
	pub     Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cycling atomic.Bool

	versionMu   sync.Mutex
	lastVersion int64
}

type Option func(*Loop)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the wall clock used for timestamps and versions.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLoop(store Store, decider Decider, pub Publisher, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		store:   store,
		decider: decider,
		pub:     pub,
		cfg:     cfg.normalized(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Loop) Config() Config { return l.cfg }

// Start begins running a cycle every Interval. Calling Start on a running
// loop does nothing.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	l.logger.Info("decision loop started", "interval", l.cfg.Interval, "decision_timeout", l.cfg.DecisionTimeout)
}

// Stop cancels the schedule and waits for an in-flight cycle to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("decision loop stopped")
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := l.RunCycle(ctx)
			if errors.Is(res.Err, ErrCycleInProgress) {
				l.logger.Warn("decision tick skipped, previous cycle still running")
			}
		}
	}
}

// RunCycle runs one generation cycle. Failures are recorded as a
// decision_generation_failed event and reported in the result; they never
// stop the schedule. A call made while another cycle is running returns
// ErrCycleInProgress without doing anything.
func (l *Loop) RunCycle(ctx context.Context) (res CycleResult) {
	if !l.cycling.CompareAndSwap(false, true) {
		return CycleResult{Err: ErrCycleInProgress}
	}
	defer l.cycling.Store(false)

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("decision cycle panic: %v", r)
		}
		if res.Err != nil {
			l.logger.Error("decision cycle failed", "error", res.Err)
			l.appendEvent(ctx, l.event(schema.EventDecisionFailed).With(schema.DataError, res.Err.Error()))
		}
	}()

	return l.cycle(ctx)
}

func (l *Loop) cycle(ctx context.Context) CycleResult {
	var res CycleResult
	agents, _, err := l.store.FindAll(ctx, state.ListOptions{Filter: npc.IsAlive})
	if err != nil {
		res.Err = fmt.Errorf("list agents: %w", err)
		return res
	}
	res.Agents = len(agents)
	if len(agents) == 0 {
		return res
	}

	cycleAt := l.now().UTC()
	l.appendEvent(ctx, l.event(schema.EventDecisionStart).With(schema.DataNPCCount, len(agents)))

	decisions := make([]pending, 0, len(agents))
	for _, agent := range agents {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		p := l.decide(ctx, agent)
		if p.decision.IsFallback() {
			res.Fallbacks++
		}
		decisions = append(decisions, p)
	}
	res.Decisions = len(decisions)

	for _, p := range decisions {
		applied, err := l.apply(ctx, cycleAt, p)
		if err != nil {
			res.Err = err
			return res
		}
		if applied {
			res.Applied++
		}
	}

	l.appendEvent(ctx, l.event(schema.EventDecisionComplete).With(schema.DataDecisionsCount, len(decisions)))
	l.logger.Info("decision cycle complete", "agents", res.Agents, "applied", res.Applied, "fallbacks", res.Fallbacks)
	return res
}

func (l *Loop) decide(ctx context.Context, agent npc.Agent) pending {
	p := pending{agentID: agent.ID, started: l.now()}
	l.appendEvent(ctx, l.event(schema.EventDecisionStartNPC).WithNPC(agent.ID))

	decision, err := l.call(ctx, agent)
	p.finished = l.now()
	complete := l.event(schema.EventDecisionCompleteNPC).
		WithNPC(agent.ID).
		With(schema.DataDurationMS, p.finished.Sub(p.started).Milliseconds())
	if err != nil {
		l.logger.Warn("decision fell back", "npc_id", agent.ID, "error", err)
		p.decision = npc.FallbackDecision()
		l.appendEvent(ctx, l.event(schema.EventLocalFallback).WithNPC(agent.ID).With(schema.DataError, err.Error()))
		complete = complete.With(schema.DataFallback, true)
	} else {
		p.decision = decision
	}
	l.appendEvent(ctx, complete)
	return p
}

// call runs the decider in its own goroutine and stops waiting as soon as
// the per-call deadline passes, whether or not the decider has noticed.
func (l *Loop) call(ctx context.Context, agent npc.Agent) (npc.Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.DecisionTimeout)
	defer cancel()

	type outcome struct {
		decision npc.Decision
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("decider panic: %v", r)}
			}
		}()
		d, err := l.decider.GenerateDecision(callCtx, agent.Clone())
		ch <- outcome{decision: d, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return npc.Decision{}, out.err
		}
		return out.decision, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return npc.Decision{}, ErrDecisionTimeout
		}
		return npc.Decision{}, callCtx.Err()
	}
}

// apply writes the decision onto the current stored agent, not the cycle's
// snapshot, so concurrent edits survive and deleted agents stay deleted.
func (l *Loop) apply(ctx context.Context, at time.Time, p pending) (bool, error) {
	saved, ok, err := l.store.UpdateAgent(ctx, p.agentID, func(agent *npc.Agent) error {
		npc.ApplyDelta(agent, p.decision.Action.Changes)
		npc.Remember(agent, at, p.decision.Summary())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update agent %s: %w", p.agentID, err)
	}
	if !ok {
		return false, nil
	}

	if l.pub != nil {
		l.pub.Broadcast(schema.BroadcastStateUpdate, StateUpdate{
			Timestamp:        at,
			NPCID:            saved.ID,
			DeltaChanges:     p.decision.Action.Changes.Map(),
			NewStateSnapshot: saved,
			Version:          l.nextVersion(),
		})
	}
	return true, nil
}

func (l *Loop) nextVersion() int64 {
	l.versionMu.Lock()
	defer l.versionMu.Unlock()
	v := l.now().UnixNano()
	if v <= l.lastVersion {
		v = l.lastVersion + 1
	}
	l.lastVersion = v
	return v
}

func (l *Loop) event(eventType string) audit.Event {
	return audit.New(eventType, schema.SourceSimulation, l.now())
}

func (l *Loop) appendEvent(ctx context.Context, evt audit.Event) {
	if _, err := l.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		l.logger.Error("append audit event failed", "event_type", evt.Type, "error", err)
	}
}
