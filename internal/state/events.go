package state

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/oklog/ulid/v2"
)

type EventFilter struct {
	Type     string
	NPCID    string
	AfterSeq int64
	Limit    int
}

type eventRow struct {
	Seq            int64          `db:"seq"`
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	Source         sql.NullString `db:"source"`
	Timestamp      string         `db:"timestamp"`
	SimDay         sql.NullInt64  `db:"sim_day"`
	NPCID          sql.NullString `db:"npc_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Data           sql.NullString `db:"data"`
}

// AppendEvent writes evt to the end of the audit log and returns it with its
// sequence number set. Observers are notified after the write.
func (s *Store) AppendEvent(ctx context.Context, evt audit.Event) (audit.Event, error) {
	if strings.TrimSpace(evt.Type) == "" {
		return audit.Event{}, fmt.Errorf("event type is required")
	}
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now()
	}
	dataJSON, err := encodeJSON(evt.Data)
	if err != nil {
		return audit.Event{}, fmt.Errorf("encode event data: %w", err)
	}
	var simDay any
	if evt.SimDay != nil {
		simDay = *evt.SimDay
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, source, timestamp, sim_day, npc_id, idempotency_key, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.Type, nullString(evt.Source), formatTime(evt.Timestamp), simDay, nullString(evt.NPCID), nullString(evt.IdempotencyKey), nullString(dataJSON))
	if err != nil {
		return audit.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		evt.Seq = seq
	}

	s.notify(evt)
	return evt, nil
}

// ListEvents returns audit events in append order.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]audit.Event, error) {
	where := []string{"seq > ?"}
	args := []any{filter.AfterSeq}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.NPCID != "" {
		where = append(where, "npc_id = ?")
		args = append(args, filter.NPCID)
	}
	query := `SELECT seq, id, type, source, timestamp, sim_day, npc_id, idempotency_key, data FROM audit_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		evt := audit.Event{
			Seq:            row.Seq,
			ID:             row.ID,
			Type:           row.Type,
			Source:         stringOrEmpty(row.Source),
			Timestamp:      parseTime(row.Timestamp),
			NPCID:          stringOrEmpty(row.NPCID),
			IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
			Data:           decodeJSONMap(stringOrEmpty(row.Data)),
		}
		if row.SimDay.Valid {
			day := row.SimDay.Int64
			evt.SimDay = &day
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *Store) notify(evt audit.Event) {
	s.mu.RLock()
	observers := slices.Clone(s.observers)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(evt)
	}
}

// Observe registers fn like WithEventObserver on a store that already exists.
func (s *Store) Observe(fn func(audit.Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}
