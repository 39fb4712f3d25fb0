package simclock

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/idgen"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/flitsinc/go-npcsim/internal/schema"
	"github.com/flitsinc/go-npcsim/internal/state"
)

var ErrHandlerTimeout = errors.New("handler_timeout")

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	SimDay  int64       `json:"sim_day"`
	Key     string      `json:"idempotency_key"`
	Outcome Outcome     `json:"outcome"`
	Event   audit.Event `json:"event"`
	Err     error       `json:"-"`
}

func (c *Clock) rollover(ctx context.Context, simDay int64, replay bool) Result {
	key := schema.DayEndKey(simDay)
	res := Result{SimDay: simDay, Key: key}

	dayEnd := audit.New(schema.EventDayEnd, schema.SourceSimClock, c.src.Now()).
		WithSimDay(simDay).
		WithKey(key).
		With(schema.DataAffected, c.affected(ctx))
	if replay {
		dayEnd = dayEnd.With(schema.DataReplay, true)
	}
	// Recorded before the claim so every attempt, including duplicates,
	// is in the trail.
	dayEnd = c.appendEvent(ctx, dayEnd)
	res.Event = dayEnd

	acquired, err := c.store.TryAcquireKey(ctx, key)
	if err != nil {
		// Nothing was claimed, so there is nothing to release.
		c.appendEvent(ctx, c.event(schema.EventDayEndFailed, simDay, key).
			With(schema.DataError, fmt.Sprintf("acquire key: %v", err)))
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	if !acquired {
		c.appendEvent(ctx, c.event(schema.EventDayEndDuplicate, simDay, key))
		res.Outcome = OutcomeDuplicate
		return res
	}

	c.notify(DayEnd{SimDay: simDay, Key: key, Event: dayEnd})

	if !c.cfg.GuaranteeCredit {
		c.appendEvent(ctx, c.event(schema.EventGuaranteeCreditDisabled, simDay, ""))
		res.Outcome = OutcomeProcessed
		return res
	}

	if err := c.runCredit(ctx, DayEnd{SimDay: simDay, Key: key, Event: dayEnd}); err != nil {
		c.appendEvent(ctx, c.event(schema.EventDayEndFailed, simDay, key).With(schema.DataError, err.Error()))
		if relErr := c.store.ReleaseKey(ctx, key); relErr != nil {
			c.logger.Error("release idempotency key failed", "key", key, "error", relErr)
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeProcessed
	return res
}

// runCredit races the credit handler against the handler timeout, armed on
// the clock's time source. Losing the race does not stop the handler;
// whatever it still writes is append-only.
func (c *Clock) runCredit(ctx context.Context, day DayEnd) error {
	timedOut := make(chan struct{})
	stop := c.src.AfterFunc(c.cfg.HandlerTimeout, func() { close(timedOut) })
	defer stop()

	done := make(chan error, 1)
	handlerCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- c.credit(handlerCtx, c, day)
	}()

	select {
	case err := <-done:
		return err
	case <-timedOut:
		return ErrHandlerTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GuaranteeCredit is the default credit handler: one fixed credit per agent,
// written as a single ledger batch, then one summary audit event.
func GuaranteeCredit(ctx context.Context, c *Clock, day DayEnd) error {
	agents, _, err := c.store.FindAll(ctx, state.ListOptions{})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	at := c.src.Now().UTC()
	correlationID := schema.DayEndCorrelationID(day.SimDay)
	entries := make([]npc.LedgerEntry, 0, len(agents))
	for _, a := range agents {
		entries = append(entries, npc.LedgerEntry{
			ID:            idgen.New(),
			AgentID:       a.ID,
			Amount:        schema.GuaranteeCreditAmount,
			Type:          schema.LedgerGuaranteeCredit,
			Timestamp:     at,
			SourceEventID: day.Event.ID,
			CorrelationID: correlationID,
		})
	}
	if err := c.store.AppendTransactions(ctx, entries); err != nil {
		return fmt.Errorf("append transactions: %w", err)
	}
	batch := c.event(schema.EventGuaranteeCreditBatch, day.SimDay, "").
		With(schema.DataTransactionCount, len(entries))
	if _, err := c.store.AppendEvent(ctx, batch); err != nil {
		return fmt.Errorf("append batch event: %w", err)
	}
	return nil
}

func (c *Clock) notify(day DayEnd) {
	c.mu.Lock()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("day end observer panic", "sim_day", day.SimDay, "panic", r)
				}
			}()
			fn(day)
		}()
	}
}

func (c *Clock) affected(ctx context.Context) map[string]any {
	agents, total, err := c.store.FindAll(ctx, state.ListOptions{})
	if err != nil {
		c.logger.Warn("list agents for rollover summary failed", "error", err)
		return map[string]any{"count": 0, "sample": []string{}}
	}
	sample := make([]string, 0, affectedLimit)
	for i := 0; i < len(agents) && i < affectedLimit; i++ {
		sample = append(sample, agents[i].ID)
	}
	return map[string]any{"count": total, "sample": sample}
}

func (c *Clock) event(eventType string, simDay int64, key string) audit.Event {
	evt := audit.New(eventType, schema.SourceSimClock, c.src.Now()).WithSimDay(simDay)
	if key != "" {
		evt = evt.WithKey(key)
	}
	return evt
}

// appendEvent writes to the audit log. A failed write is logged; rollover
// processing carries on.
func (c *Clock) appendEvent(ctx context.Context, evt audit.Event) audit.Event {
	stored, err := c.store.AppendEvent(ctx, evt)
	if err != nil {
		c.logger.Error("append audit event failed", "event_type", evt.Type, "error", err)
		return evt
	}
	return stored
}
