package npc

import (
	"strings"
	"time"
)

const (
	// MaxRecentMemory bounds Agent.Memory.Recent; the oldest entry is evicted first.
	MaxRecentMemory = 100
	// MaxOldMemory bounds the folded summary in Agent.Memory.Old, in bytes.
	MaxOldMemory = 4000

	StatMin = 0
	StatMax = 100

	DefaultLocation = "start"
)

type Agent struct {
	ID           string         `json:"id"`
	PlayerID     string         `json:"player_id"`
	Name         string         `json:"name"`
	Prompt       string         `json:"prompt"`
	Hunger       float64        `json:"hunger"`
	Energy       float64        `json:"energy"`
	Mood         float64        `json:"mood"`
	Money        float64        `json:"money"`
	Inventory    map[string]int `json:"inventory"`
	Location     string         `json:"location"`
	Alive        bool           `json:"alive"`
	Memory       MemoryLog      `json:"memory_log"`
	Transactions []LedgerEntry  `json:"transactions"`
}

type MemoryLog struct {
	Recent []MemoryEntry `json:"recent_memory"`
	Old    string        `json:"old_memory"`
}

type MemoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// LedgerEntry records one value transfer applied to an agent. Entries are
// appended and never rewritten.
type LedgerEntry struct {
	ID            string    `json:"transaction_id"`
	AgentID       string    `json:"npc_id"`
	Amount        float64   `json:"amount"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	SourceEventID string    `json:"source_event_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewAgent(id, playerID, name, prompt string) Agent {
	if name == "" {
		name = "npc"
	}
	return Agent{
		ID:           id,
		PlayerID:     playerID,
		Name:         name,
		Prompt:       prompt,
		Hunger:       StatMax,
		Energy:       StatMax,
		Mood:         StatMax,
		Money:        0,
		Inventory:    map[string]int{},
		Location:     DefaultLocation,
		Alive:        true,
		Memory:       MemoryLog{Recent: []MemoryEntry{}},
		Transactions: []LedgerEntry{},
	}
}

// Clone returns a deep copy so callers can mutate a snapshot without
// touching the record held by the store.
func (a Agent) Clone() Agent {
	out := a
	if a.Inventory != nil {
		out.Inventory = make(map[string]int, len(a.Inventory))
		for k, v := range a.Inventory {
			out.Inventory[k] = v
		}
	}
	if a.Memory.Recent != nil {
		out.Memory.Recent = append([]MemoryEntry(nil), a.Memory.Recent...)
	}
	if a.Transactions != nil {
		out.Transactions = append([]LedgerEntry(nil), a.Transactions...)
	}
	return out
}

// Remember appends a memory entry. Once the log grows past MaxRecentMemory
// the oldest entries move out of Recent and are folded into Old.
func Remember(a *Agent, ts time.Time, content string) {
	a.Memory.Recent = append(a.Memory.Recent, MemoryEntry{Timestamp: ts.UTC(), Content: content})
	if over := len(a.Memory.Recent) - MaxRecentMemory; over > 0 {
		a.Memory.Old = foldMemory(a.Memory.Old, a.Memory.Recent[:over])
		a.Memory.Recent = append([]MemoryEntry(nil), a.Memory.Recent[over:]...)
	}
}

// foldMemory appends one "date: content" line per evicted entry and keeps
// only the newest MaxOldMemory bytes, cut at a line boundary.
func foldMemory(old string, evicted []MemoryEntry) string {
	var b strings.Builder
	b.WriteString(old)
	for _, e := range evicted {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Timestamp.Format(time.DateOnly))
		b.WriteString(": ")
		b.WriteString(e.Content)
	}
	out := b.String()
	if len(out) <= MaxOldMemory {
		return out
	}
	out = out[len(out)-MaxOldMemory:]
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return out
}

func IsAlive(a Agent) bool { return a.Alive }
