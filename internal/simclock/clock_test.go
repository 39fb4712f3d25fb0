package simclock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/flitsinc/go-npcsim/internal/schema"
	"github.com/flitsinc/go-npcsim/internal/simclock"
	"github.com/flitsinc/go-npcsim/internal/state"
	"github.com/flitsinc/go-npcsim/internal/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seedAgents(t *testing.T, store *state.Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		a := npc.NewAgent(id, "player-"+string(rune('a'+i)), id, "prompt")
		if _, err := store.Save(context.Background(), a); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
}

func eventsOfType(t *testing.T, store *state.Store, eventType string) []audit.Event {
	t.Helper()
	events, err := store.ListEvents(context.Background(), state.EventFilter{Type: eventType})
	if err != nil {
		t.Fatalf("list %s: %v", eventType, err)
	}
	return events
}

func TestNowIsMonotonicBeforeAndAfterStart(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ft := testutil.NewFakeTime(epoch)
	clock := simclock.New(store, simclock.Config{DayDuration: 100 * time.Millisecond}, simclock.WithTimeSource(ft))

	first := clock.Now()
	if first.SimDay != 0 || first.SimDayFraction != 0 || first.SimTimeMS != 0 {
		t.Fatalf("unexpected initial state %+v", first)
	}

	prev := first
	for i, step := range []time.Duration{7, 93, 1, 250, 49, 0, 1000} {
		ft.Advance(step * time.Millisecond)
		cur := clock.Now()
		if cur.SimDay < prev.SimDay || cur.SimTimeMS < prev.SimTimeMS {
			t.Fatalf("step %d: clock went backwards: %+v -> %+v", i, prev, cur)
		}
		if cur.SimDayFraction < 0 || cur.SimDayFraction >= 1 {
			t.Fatalf("step %d: fraction out of range: %v", i, cur.SimDayFraction)
		}
		prev = cur
	}

	ft.Advance(0)
	got := clock.Now()
	if got.SimTimeMS != 1400 || got.SimDay != 14 || got.SimDayFraction != 0 {
		t.Fatalf("unexpected state after 1400ms: %+v", got)
	}
	if got.SimTimeISO != "2026-01-01T00:00:01.400Z" {
		t.Fatalf("unexpected sim iso %q", got.SimTimeISO)
	}
}

func TestAnchorOffsetShiftsSimTime(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ft := testutil.NewFakeTime(epoch)
	clock := simclock.New(store, simclock.Config{DayDuration: time.Second, AnchorOffset: 2500 * time.Millisecond}, simclock.WithTimeSource(ft))

	st := clock.Now()
	if st.SimDay != 2 || st.SimDayFraction != 0.5 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestNonPositiveConfigFallsBackToDefaults(t *testing.T) {
	store := testutil.OpenTestStore(t)
	clock := simclock.New(store, simclock.Config{DayDuration: -5, HandlerTimeout: 0})
	cfg := clock.Config()
	if cfg.DayDuration != simclock.DefaultDayDuration || cfg.HandlerTimeout != simclock.DefaultHandlerTimeout {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestRolloverCreditsEveryAgent(t *testing.T) {
	store := testutil.OpenTestStore(t)
	seedAgents(t, store, "a", "b")
	ft := testutil.NewFakeTime(epoch)
	clock := simclock.New(store, simclock.Config{
		DayDuration:     100 * time.Millisecond,
		GuaranteeCredit: true,
	}, simclock.WithTimeSource(ft))

	clock.Start()
	defer clock.Stop()
	ft.Advance(150 * time.Millisecond)

	dayEnds := eventsOfType(t, store, schema.EventDayEnd)
	if len(dayEnds) != 1 {
		t.Fatalf("expected one day_end, got %d", len(dayEnds))
	}
	day, ok := dayEnds[0].Day()
	if !ok || day < 0 {
		t.Fatalf("day_end without sim_day: %+v", dayEnds[0])
	}
	if dayEnds[0].IdempotencyKey != schema.DayEndKey(day) {
		t.Fatalf("unexpected key %q", dayEnds[0].IdempotencyKey)
	}

	batches := eventsOfType(t, store, schema.EventGuaranteeCreditBatch)
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
	if n, _ := schema.GetMetaInt(batches[0].Data, schema.DataTransactionCount); n != 2 {
		t.Fatalf("expected transaction_count 2, got %v", batches[0].Data)
	}

	for _, id := range []string{"a", "b"} {
		agent, _, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if len(agent.Transactions) < 1 {
			t.Fatalf("expected ledger entry for %s", id)
		}
		tx := agent.Transactions[0]
		if tx.Type != schema.LedgerGuaranteeCredit || tx.Amount != schema.GuaranteeCreditAmount {
			t.Fatalf("unexpected ledger entry %+v", tx)
		}
		if tx.CorrelationID != schema.DayEndCorrelationID(day) || tx.SourceEventID != dayEnds[0].ID {
			t.Fatalf("ledger entry not linked to rollover: %+v", tx)
		}
	}
}

func TestDuplicateRolloverSkipsSideEffects(t *testing.T) {
	store := testutil.OpenTestStore(t)
	seedAgents(t, store, "a", "b")
	ft := testutil.NewFakeTime(epoch)
	clock := simclock.New(store, simclock.Config{
		DayDuration:     100 * time.Millisecond,
		GuaranteeCredit: true,
	}, simclock.WithTimeSource(ft))

	clock.Start()
	defer clock.Stop()
	ft.Advance(150 * time.Millisecond)

	day, _ := eventsOfType(t, store, schema.EventDayEnd)[0].Day()
	acquired, err := store.TryAcquireKey(context.Background(), schema.DayEndKey(day))
	if err != nil || acquired {
		t.Fatalf("expected key to be held, acquired=%v err=%v", acquired, err)
	}

	res := clock.Replay(context.Background(), day)
	if res.Outcome != simclock.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}

	if n := len(eventsOfType(t, store, schema.EventDayEnd)); n != 2 {
		t.Fatalf("expected both attempts in the trail, got %d day_end", n)
	}
	dups := eventsOfType(t, store, schema.EventDayEndDuplicate)
	if len(dups) != 1 || dups[0].IdempotencyKey != schema.DayEndKey(day) {
		t.Fatalf("expected one duplicate event, got %+v", dups)
	}
	if n := len(eventsOfType(t, store, schema.EventGuaranteeCreditBatch)); n != 1 {
		t.Fatalf("expected a single batch for day %d, got %d", day, n)
	}
	agent, _, _ := store.Get(context.Background(), "a")
	if len(agent.Transactions) != 1 {
		t.Fatalf("expected no extra ledger entries, got %d", len(agent.Transactions))
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestHandlerTimeoutReleasesKey(t *testing.T) {
	store := testutil.OpenTestStore(t)
	seedAgents(t, store, "a")
	ft := testutil.NewFakeTime(epoch)

	entered := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	handler := func(ctx context.Context, c *simclock.Clock, day simclock.DayEnd) error {
		defer close(finished)
		close(entered)
		<-release
		return simclock.GuaranteeCredit(ctx, c, day)
	}
	clock := simclock.New(store, simclock.Config{
		DayDuration:     100 * time.Millisecond,
		HandlerTimeout:  10 * time.Millisecond,
		GuaranteeCredit: true,
	}, simclock.WithTimeSource(ft), simclock.WithCreditHandler(handler))

	clock.Start()
	defer clock.Stop()

	rolled := make(chan struct{})
	go func() {
		defer close(rolled)
		ft.Advance(100 * time.Millisecond)
	}()
	waitFor(t, entered, "credit handler")

	// The timeout follows the time source, not the wall clock.
	select {
	case <-rolled:
		t.Fatalf("rollover gave up before the handler timeout elapsed")
	case <-time.After(30 * time.Millisecond):
	}
	ft.Advance(10 * time.Millisecond)
	waitFor(t, rolled, "rollover")

	failed := eventsOfType(t, store, schema.EventDayEndFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one day_end_failed, got %d", len(failed))
	}
	if got := schema.GetMetaString(failed[0].Data, schema.DataError); got != simclock.ErrHandlerTimeout.Error() {
		t.Fatalf("unexpected failure reason %q", got)
	}
	day, ok := failed[0].Day()
	if !ok {
		t.Fatalf("day_end_failed without sim_day")
	}

	has, err := store.HasProcessedKey(context.Background(), schema.DayEndKey(day))
	if err != nil || has {
		t.Fatalf("expected key released, has=%v err=%v", has, err)
	}

	// The handler keeps running after losing the race; its writes land late.
	close(release)
	waitFor(t, finished, "late handler")
	if n := len(eventsOfType(t, store, schema.EventGuaranteeCreditBatch)); n != 1 {
		t.Fatalf("expected late batch to be appended, got %d", n)
	}

	acquired, err := store.TryAcquireKey(context.Background(), schema.DayEndKey(day))
	if err != nil || !acquired {
		t.Fatalf("expected explicit retry claim to succeed, acquired=%v err=%v", acquired, err)
	}
}

func TestHandlerErrorReleasesKeyForReplay(t *testing.T) {
	store := testutil.OpenTestStore(t)
	seedAgents(t, store, "a", "b")
	ft := testutil.NewFakeTime(epoch)

	var mu sync.Mutex
	failNext := true
	handler := func(ctx context.Context, c *simclock.Clock, day simclock.DayEnd) error {
		mu.Lock()
		fail := failNext
		failNext = false
		mu.Unlock()
		if fail {
			return errors.New("ledger unavailable")
		}
		return simclock.GuaranteeCredit(ctx, c, day)
	}
	clock := simclock.New(store, simclock.Config{
		DayDuration:     100 * time.Millisecond,
		GuaranteeCredit: true,
	}, simclock.WithTimeSource(ft), simclock.WithCreditHandler(handler))

	clock.Start()
	defer clock.Stop()
	ft.Advance(150 * time.Millisecond)

	failed := eventsOfType(t, store, schema.EventDayEndFailed)
	if len(failed) != 1 || schema.GetMetaString(failed[0].Data, schema.DataError) != "ledger unavailable" {
		t.Fatalf("expected day_end_failed with reason, got %+v", failed)
	}
	day, _ := failed[0].Day()
	if n := len(eventsOfType(t, store, schema.EventGuaranteeCreditBatch)); n != 0 {
		t.Fatalf("expected no batch after failure, got %d", n)
	}

	// Days do not recur on their own; the release only matters for replay.
	ft.Advance(100 * time.Millisecond)
	attempts := 0
	for _, evt := range eventsOfType(t, store, schema.EventDayEnd) {
		if d, _ := evt.Day(); d == day {
			attempts++
		}
	}
	if attempts != 1 {
		t.Fatalf("expected day %d to fire once before replay, got %d", day, attempts)
	}

	res := clock.Replay(context.Background(), day)
	if res.Outcome != simclock.OutcomeProcessed || res.Err != nil {
		t.Fatalf("expected replay to process, got %+v", res)
	}
	batches := eventsOfType(t, store, schema.EventGuaranteeCreditBatch)
	var forDay int
	for _, b := range batches {
		if d, _ := b.Day(); d == day {
			forDay++
		}
	}
	if forDay != 1 {
		t.Fatalf("expected exactly one batch for day %d after replay, got %d", day, forDay)
	}
}

func TestDisabledCreditNotifiesObservers(t *testing.T) {
	store := testutil.OpenTestStore(t)
	seedAgents(t, store, "a")
	ft := testutil.NewFakeTime(epoch)
	clock := simclock.New(store, simclock.Config{DayDuration: 100 * time.Millisecond}, simclock.WithTimeSource(ft))

	var seen []int64
	clock.OnDayEnd(func(d simclock.DayEnd) {
		seen = append(seen, d.SimDay)
	})
	clock.OnDayEnd(func(simclock.DayEnd) {
		panic("observer bug")
	})

	clock.Start()
	defer clock.Stop()
	ft.Advance(250 * time.Millisecond)

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected observed days %v", seen)
	}
	if n := len(eventsOfType(t, store, schema.EventGuaranteeCreditDisabled)); n != 2 {
		t.Fatalf("expected 2 guarantee_credit_disabled events, got %d", n)
	}
	agent, _, _ := store.Get(context.Background(), "a")
	if len(agent.Transactions) != 0 {
		t.Fatalf("expected no credit while disabled")
	}
}

func TestStartStopAndAnchorAlignment(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ft := testutil.NewFakeTime(epoch)
	clock := simclock.New(store, simclock.Config{DayDuration: 100 * time.Millisecond}, simclock.WithTimeSource(ft))

	ft.Advance(30 * time.Millisecond)
	clock.Start()
	clock.Start()
	if ft.Pending() != 1 {
		t.Fatalf("expected a single pending timer, got %d", ft.Pending())
	}
	if next := clock.NextRollover(); !next.Equal(epoch.Add(100 * time.Millisecond)) {
		t.Fatalf("expected boundary aligned to anchor, got %v", next)
	}

	ft.Advance(320 * time.Millisecond)
	dayEnds := eventsOfType(t, store, schema.EventDayEnd)
	if len(dayEnds) != 3 {
		t.Fatalf("expected 3 rollovers, got %d", len(dayEnds))
	}
	for i, evt := range dayEnds {
		if d, _ := evt.Day(); d != int64(i+1) {
			t.Fatalf("rollover %d has sim_day %d", i, d)
		}
	}
	if next := clock.NextRollover(); !next.Equal(epoch.Add(400 * time.Millisecond)) {
		t.Fatalf("expected next boundary at 400ms, got %v", next)
	}

	clock.Stop()
	clock.Stop()
	if ft.Pending() != 0 || clock.Running() {
		t.Fatalf("expected stopped clock with no timers")
	}
	ft.Advance(time.Second)
	if n := len(eventsOfType(t, store, schema.EventDayEnd)); n != 3 {
		t.Fatalf("expected no rollovers after stop, got %d", n)
	}
}
