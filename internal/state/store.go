package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed entity store: agent records, their ledgers, the
// audit log and the idempotency key registry.
type Store struct {
	db *sqlx.DB

	nowFn func() time.Time

	mu        sync.RWMutex
	observers []func(audit.Event)
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithEventObserver registers fn to receive every event after it has been
// appended to the audit log.
func WithEventObserver(fn func(audit.Event)) Option {
	return func(s *Store) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func NewStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

type ListOptions struct {
	Filter func(npc.Agent) bool
	Limit  int
	Offset int
}

type agentRow struct {
	ID        string  `db:"id"`
	PlayerID  string  `db:"player_id"`
	Name      string  `db:"name"`
	Prompt    string  `db:"prompt"`
	Hunger    float64 `db:"hunger"`
	Energy    float64 `db:"energy"`
	Mood      float64 `db:"mood"`
	Money     float64 `db:"money"`
	Inventory string  `db:"inventory"`
	Location  string  `db:"location"`
	Alive     bool    `db:"alive"`
	Memory    string  `db:"memory"`
	CreatedNS int64   `db:"created_ns"`
	UpdatedAt string  `db:"updated_at"`
}

type transactionRow struct {
	ID            string         `db:"id"`
	NPCID         string         `db:"npc_id"`
	Amount        float64        `db:"amount"`
	Type          string         `db:"type"`
	Timestamp     string         `db:"timestamp"`
	SourceEventID sql.NullString `db:"source_event_id"`
	CorrelationID sql.NullString `db:"correlation_id"`
}

const agentColumns = `id, player_id, name, prompt, hunger, energy, mood, money, inventory, location, alive, memory, created_ns, updated_at`

// FindAll returns the agents accepted by opts.Filter in creation order,
// together with the filtered total before paging.
func (s *Store) FindAll(ctx context.Context, opts ListOptions) ([]npc.Agent, int, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+agentColumns+` FROM agents ORDER BY created_ns ASC, id ASC`); err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}

	var items []npc.Agent
	for _, row := range rows {
		agent, err := row.toAgent()
		if err != nil {
			return nil, 0, err
		}
		if opts.Filter != nil && !opts.Filter(agent) {
			continue
		}
		items = append(items, agent)
	}
	total := len(items)
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			items = nil
		} else {
			items = items[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}

	for i := range items {
		txs, err := s.transactions(ctx, s.db, items[i].ID)
		if err != nil {
			return nil, 0, err
		}
		items[i].Transactions = txs
	}
	return items, total, nil
}

func (s *Store) Get(ctx context.Context, id string) (npc.Agent, bool, error) {
	return s.getAgent(ctx, s.db, id)
}

func (s *Store) getAgent(ctx context.Context, q sqlx.QueryerContext, id string) (npc.Agent, bool, error) {
	var row agentRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return npc.Agent{}, false, nil
	}
	if err != nil {
		return npc.Agent{}, false, fmt.Errorf("get agent: %w", err)
	}
	agent, err := row.toAgent()
	if err != nil {
		return npc.Agent{}, false, err
	}
	agent.Transactions, err = s.transactions(ctx, q, id)
	if err != nil {
		return npc.Agent{}, false, err
	}
	return agent, true, nil
}

// UpdateAgent reads the agent, passes it to fn and writes the result back in
// one transaction, so a concurrent Delete or Save is never overwritten by a
// stale copy. It reports false without calling fn when the agent does not
// exist. An error from fn aborts the update and is returned unchanged. fn
// must not call back into the store.
func (s *Store) UpdateAgent(ctx context.Context, id string, fn func(*npc.Agent) error) (npc.Agent, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return npc.Agent{}, false, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	agent, ok, err := s.getAgent(ctx, tx, id)
	if err != nil || !ok {
		return npc.Agent{}, false, err
	}
	if err := fn(&agent); err != nil {
		return npc.Agent{}, false, err
	}
	agent.ID = id

	inventoryJSON, memoryJSON, err := encodeAgentJSON(agent)
	if err != nil {
		return npc.Agent{}, false, err
	}
	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			name = ?, prompt = ?, hunger = ?, energy = ?, mood = ?, money = ?,
			inventory = ?, location = ?, alive = ?, memory = ?, updated_at = ?
		WHERE id = ?
	`, agent.Name, agent.Prompt, agent.Hunger, agent.Energy, agent.Mood, agent.Money,
		inventoryJSON, agent.Location, agent.Alive, memoryJSON, formatTime(now), id)
	if err != nil {
		return npc.Agent{}, false, fmt.Errorf("update agent: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return npc.Agent{}, false, fmt.Errorf("update agent: %w", err)
	} else if n == 0 {
		return npc.Agent{}, false, nil
	}
	if err := s.insertTransactions(ctx, tx, agent.Transactions); err != nil {
		return npc.Agent{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return npc.Agent{}, false, fmt.Errorf("commit update: %w", err)
	}
	return agent, true, nil
}

// Save upserts the agent record. Ledger entries carried on the agent are
// appended if new and never rewritten, so saving a stale snapshot cannot drop
// transactions written in the meantime.
func (s *Store) Save(ctx context.Context, agent npc.Agent) (npc.Agent, error) {
	if strings.TrimSpace(agent.ID) == "" {
		return npc.Agent{}, fmt.Errorf("agent id is required")
	}
	inventoryJSON, memoryJSON, err := encodeAgentJSON(agent)
	if err != nil {
		return npc.Agent{}, err
	}
	now := s.now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			player_id = excluded.player_id,
			name = excluded.name,
			prompt = excluded.prompt,
			hunger = excluded.hunger,
			energy = excluded.energy,
			mood = excluded.mood,
			money = excluded.money,
			inventory = excluded.inventory,
			location = excluded.location,
			alive = excluded.alive,
			memory = excluded.memory,
			updated_at = excluded.updated_at
	`, agent.ID, agent.PlayerID, agent.Name, agent.Prompt, agent.Hunger, agent.Energy, agent.Mood, agent.Money,
		inventoryJSON, agent.Location, agent.Alive, memoryJSON, now.UnixNano(), formatTime(now))
	if err != nil {
		return npc.Agent{}, fmt.Errorf("save agent: %w", err)
	}
	if err := s.AppendTransactions(ctx, agent.Transactions); err != nil {
		return npc.Agent{}, err
	}
	return agent, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransactions inserts ledger entries. Entries whose ID already exists
// are left untouched.
func (s *Store) AppendTransactions(ctx context.Context, entries []npc.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.insertTransactions(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

func (s *Store) insertTransactions(ctx context.Context, tx *sqlx.Tx, entries []npc.LedgerEntry) error {
	for _, e := range entries {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.AgentID) == "" {
			return fmt.Errorf("ledger entry requires id and npc id")
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, npc_id, amount, type, timestamp, source_event_id, correlation_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, e.ID, e.AgentID, e.Amount, e.Type, formatTime(ts), nullString(e.SourceEventID), nullString(e.CorrelationID))
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

func (s *Store) transactions(ctx context.Context, q sqlx.QueryerContext, npcID string) ([]npc.LedgerEntry, error) {
	var rows []transactionRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, npc_id, amount, type, timestamp, source_event_id, correlation_id
		FROM transactions WHERE npc_id = ? ORDER BY rowid ASC
	`, npcID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]npc.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, npc.LedgerEntry{
			ID:            row.ID,
			AgentID:       row.NPCID,
			Amount:        row.Amount,
			Type:          row.Type,
			Timestamp:     parseTime(row.Timestamp),
			SourceEventID: stringOrEmpty(row.SourceEventID),
			CorrelationID: stringOrEmpty(row.CorrelationID),
		})
	}
	return out, nil
}

func encodeAgentJSON(agent npc.Agent) (inventory, memory string, err error) {
	inv := agent.Inventory
	if inv == nil {
		inv = map[string]int{}
	}
	invJSON, err := json.Marshal(inv)
	if err != nil {
		return "", "", fmt.Errorf("encode inventory: %w", err)
	}
	memJSON, err := json.Marshal(agent.Memory)
	if err != nil {
		return "", "", fmt.Errorf("encode memory: %w", err)
	}
	return string(invJSON), string(memJSON), nil
}

func (r agentRow) toAgent() (npc.Agent, error) {
	agent := npc.Agent{
		ID:       r.ID,
		PlayerID: r.PlayerID,
		Name:     r.Name,
		Prompt:   r.Prompt,
		Hunger:   r.Hunger,
		Energy:   r.Energy,
		Mood:     r.Mood,
		Money:    r.Money,
		Location: r.Location,
		Alive:    r.Alive,
	}
	if err := json.Unmarshal([]byte(r.Inventory), &agent.Inventory); err != nil {
		return npc.Agent{}, fmt.Errorf("decode inventory for %s: %w", r.ID, err)
	}
	if agent.Inventory == nil {
		agent.Inventory = map[string]int{}
	}
	if err := json.Unmarshal([]byte(r.Memory), &agent.Memory); err != nil {
		return npc.Agent{}, fmt.Errorf("decode memory for %s: %w", r.ID, err)
	}
	if agent.Memory.Recent == nil {
		agent.Memory.Recent = []npc.MemoryEntry{}
	}
	return agent, nil
}
