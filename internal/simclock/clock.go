// Package simclock maps real elapsed time onto simulated days and fires one
// rollover per simulated day boundary.
//
// A rollover is always recorded in the audit log before anything else
// happens. Side effects (observers and the guarantee credit) only run for the
// caller that claims the day's idempotency key; a failed or timed-out credit
// releases the key so an operator can replay the day.
package simclock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/flitsinc/go-npcsim/internal/state"
)

const (
	DefaultDayDuration    = 36 * time.Minute
	DefaultHandlerTimeout = time.Second

	minReschedule = time.Millisecond
	affectedLimit = 5
)

// Store is the part of the entity store the clock depends on.
type Store interface {
	FindAll(ctx context.Context, opts state.ListOptions) ([]npc.Agent, int, error)
	AppendEvent(ctx context.Context, evt audit.Event) (audit.Event, error)
	AppendTransactions(ctx context.Context, entries []npc.LedgerEntry) error
	TryAcquireKey(ctx context.Context, key string) (bool, error)
	ReleaseKey(ctx context.Context, key string) error
}

// TimeSource supplies "now" and single-shot timers. AfterFunc returns the
// timer's stop function.
type TimeSource interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

func (realTime) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Config struct {
	DayDuration     time.Duration
	AnchorOffset    time.Duration
	HandlerTimeout  time.Duration
	GuaranteeCredit bool
}

func (c Config) normalized() Config {
	if c.DayDuration <= 0 {
		c.DayDuration = DefaultDayDuration
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.AnchorOffset < 0 {
		c.AnchorOffset = 0
	}
	return c
}

// State is a reading of the simulated clock.
type State struct {
	SimTimeMS      int64   `json:"sim_time_ms"`
	SimDay         int64   `json:"sim_day"`
	SimDayFraction float64 `json:"sim_day_fraction"`
	SimTimeISO     string  `json:"sim_time_iso"`
	RealtimeISO    string  `json:"realtime_timestamp"`

	Elapsed time.Duration `json:"-"`
}

// DayEnd is passed to observers once a rollover has claimed its key.
type DayEnd struct {
	SimDay int64
	Key    string
	Event  audit.Event
}

// CreditHandler runs the day-end side effects for a claimed rollover.
type CreditHandler func(ctx context.Context, c *Clock, day DayEnd) error

type Clock struct {
	store  Store
	cfg    Config
	src    TimeSource
	logger *slog.Logger
	credit CreditHandler

	anchor time.Time

	mu        sync.Mutex
	running   bool
	stopTimer func() bool
	next      time.Time
	observers []func(DayEnd)

	// rolling serializes rollovers fired by the timer with operator replays.
	rolling sync.Mutex
}

type Option func(*Clock)

func WithTimeSource(src TimeSource) Option {
	return func(c *Clock) {
		if src != nil {
			c.src = src
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Clock) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCreditHandler replaces the guarantee-credit handler that runs when
// Config.GuaranteeCredit is set.
func WithCreditHandler(h CreditHandler) Option {
	return func(c *Clock) {
		if h != nil {
			c.credit = h
		}
	}
}

// New anchors a clock at the time source's current time. Non-positive
// durations in cfg fall back to the defaults.
func New(store Store, cfg Config, opts ...Option) *Clock {
	c := &Clock{
		store:  store,
		cfg:    cfg.normalized(),
		src:    realTime{},
		logger: slog.Default(),
		credit: GuaranteeCredit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.anchor = c.src.Now()
	return c
}

func (c *Clock) Config() Config { return c.cfg }

func (c *Clock) Now() State {
	return c.stateAt(c.src.Now())
}

func (c *Clock) stateAt(now time.Time) State {
	elapsed := now.Sub(c.anchor)
	if elapsed < 0 {
		elapsed = 0
	}
	elapsed += c.cfg.AnchorOffset
	day := c.cfg.DayDuration
	return State{
		SimTimeMS:      elapsed.Milliseconds(),
		SimDay:         int64(elapsed / day),
		SimDayFraction: float64(elapsed%day) / float64(day),
		SimTimeISO:     c.anchor.Add(elapsed).UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		RealtimeISO:    now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Elapsed:        elapsed,
	}
}

// OnDayEnd registers fn to run synchronously after a rollover claims its key
// and before the guarantee credit runs.
func (c *Clock) OnDayEnd(fn func(DayEnd)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Start schedules the next rollover. Calling Start on a running clock does
// nothing.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.scheduleLocked()
	c.logger.Info("sim clock started",
		"day_duration", c.cfg.DayDuration,
		"guarantee_credit", c.cfg.GuaranteeCredit,
		"next_rollover", c.next,
	)
}

func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.logger.Info("sim clock stopped")
}

func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// NextRollover is the real time the pending timer fires, zero when stopped.
func (c *Clock) NextRollover() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return time.Time{}
	}
	return c.next
}

// scheduleLocked arms a single-shot timer for the next day boundary measured
// from the anchor, so handler latency never accumulates as drift.
func (c *Clock) scheduleLocked() {
	now := c.src.Now()
	st := c.stateAt(now)
	wait := c.cfg.DayDuration - st.Elapsed%c.cfg.DayDuration
	if wait < minReschedule {
		wait = minReschedule
	}
	c.next = now.Add(wait)
	c.stopTimer = c.src.AfterFunc(wait, c.fire)
}

func (c *Clock) fire() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.stopTimer = nil
	c.mu.Unlock()

	day := c.Now().SimDay
	c.rolling.Lock()
	res := c.rollover(context.Background(), day, false)
	c.rolling.Unlock()
	c.logger.Info("day rollover", "sim_day", day, "outcome", res.Outcome, "error", res.Err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && c.stopTimer == nil {
		c.scheduleLocked()
	}
}

// Replay re-runs rollover processing for simDay. It is the operator path for
// a day whose key was released after a failed credit; for a day that is still
// claimed it records a duplicate and does nothing else.
func (c *Clock) Replay(ctx context.Context, simDay int64) Result {
	c.rolling.Lock()
	defer c.rolling.Unlock()
	res := c.rollover(ctx, simDay, true)
	c.logger.Info("day rollover replayed", "sim_day", simDay, "outcome", res.Outcome, "error", res.Err)
	return res
}
