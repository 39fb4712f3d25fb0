package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  player_id TEXT NOT NULL,
  name TEXT NOT NULL,
  prompt TEXT NOT NULL,
  hunger REAL NOT NULL,
  energy REAL NOT NULL,
  mood REAL NOT NULL,
  money REAL NOT NULL,
  inventory TEXT NOT NULL,
  location TEXT NOT NULL,
  alive INTEGER NOT NULL,
  memory TEXT NOT NULL,
  created_ns INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_player ON agents(player_id, alive);

CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  npc_id TEXT NOT NULL,
  amount REAL NOT NULL,
  type TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  source_event_id TEXT,
  correlation_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_npc ON transactions(npc_id);

CREATE TABLE IF NOT EXISTS audit_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  source TEXT,
  timestamp TEXT NOT NULL,
  sim_day INTEGER,
  npc_id TEXT,
  idempotency_key TEXT,
  data TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type, seq);

CREATE TABLE IF NOT EXISTS idempotency_keys (
  key TEXT PRIMARY KEY,
  acquired_at TEXT NOT NULL
);
`
