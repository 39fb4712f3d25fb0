// Package audit defines the append-only audit record shared by the clock,
// the decision loop and the API, and an optional compressed archive of it.
package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Event struct {
	Seq            int64          `json:"seq,omitempty"`
	ID             string         `json:"event_id"`
	Type           string         `json:"event_type"`
	Source         string         `json:"source,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	SimDay         *int64         `json:"sim_day,omitempty"`
	NPCID          string         `json:"npc_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// New returns an event stamped with a fresh ULID and the given time.
func New(eventType, source string, at time.Time) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: at.UTC(),
	}
}

func (e Event) WithSimDay(day int64) Event {
	e.SimDay = &day
	return e
}

func (e Event) WithNPC(id string) Event {
	e.NPCID = id
	return e
}

func (e Event) WithKey(key string) Event {
	e.IdempotencyKey = key
	return e
}

// With sets one data field. The map is copied so events built from a shared
// template never alias each other.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Day returns the simulated day the event refers to, if any.
func (e Event) Day() (int64, bool) {
	if e.SimDay == nil {
		return 0, false
	}
	return *e.SimDay, true
}
