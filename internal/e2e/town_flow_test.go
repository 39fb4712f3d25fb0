package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flitsinc/go-npcsim/internal/api"
	"github.com/flitsinc/go-npcsim/internal/audit"
	"github.com/flitsinc/go-npcsim/internal/decider"
	"github.com/flitsinc/go-npcsim/internal/engine"
	"github.com/flitsinc/go-npcsim/internal/eventbus"
	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/flitsinc/go-npcsim/internal/schema"
	"github.com/flitsinc/go-npcsim/internal/simclock"
	"github.com/flitsinc/go-npcsim/internal/state"
	"github.com/flitsinc/go-npcsim/internal/testutil"
	"github.com/klauspost/compress/zstd"
)

// TestTownFlowEndToEnd drives a day of the town through the API: agents are
// created over HTTP, credited at rollover, fed by an external decider and
// every audit event lands in the compressed archive.
func TestTownFlowEndToEnd(t *testing.T) {
	archiveDir := t.TempDir()
	archive := audit.NewArchive(archiveDir, nil)
	store := testutil.OpenTestStore(t, state.WithEventObserver(archive.Observe))
	bus := eventbus.NewBus()

	deciderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NPC npc.Agent `json:"npc"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(decider.Decide(req.NPC))
	}))
	defer deciderSrv.Close()
	dec, err := decider.New(decider.Config{URL: deciderSrv.URL})
	if err != nil {
		t.Fatalf("decider: %v", err)
	}

	ft := testutil.NewFakeTime(time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC))
	clock := simclock.New(store, simclock.Config{
		DayDuration:     100 * time.Millisecond,
		GuaranteeCredit: true,
	}, simclock.WithTimeSource(ft))
	loop := engine.NewLoop(store, dec, bus, engine.Config{DecisionTimeout: 2 * time.Second})

	server := &api.Server{Store: store, Bus: bus, Clock: clock, Loop: loop}
	client := testutil.NewInProcessClient(server.Handler())

	var ids []string
	for _, player := range []string{"p1", "p2"} {
		resp := doJSON(t, client, http.MethodPost, "/api/npc", player, map[string]any{"name": "npc-" + player, "prompt": "live"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status: %d", resp.StatusCode)
		}
		var created struct {
			ID string `json:"id"`
		}
		decodeJSON(t, resp, &created)
		ids = append(ids, created.ID)
	}

	clock.Start()
	defer clock.Stop()
	ft.Advance(150 * time.Millisecond)

	resp := doJSON(t, client, http.MethodPost, "/api/admin/decisions/run", "admin", nil)
	var run map[string]any
	decodeJSON(t, resp, &run)
	if run["applied"] != float64(2) || run["fallbacks"] != float64(0) {
		t.Fatalf("unexpected cycle %v", run)
	}

	for _, id := range ids {
		resp := doJSON(t, client, http.MethodGet, "/api/npc/"+id, "", nil)
		var agent npc.Agent
		decodeJSON(t, resp, &agent)
		if agent.Hunger != 80 {
			t.Fatalf("unexpected agent state %+v", agent)
		}
		// The credit is a ledger entry; it does not touch the money stat.
		if len(agent.Transactions) != 1 || agent.Transactions[0].Amount != schema.GuaranteeCreditAmount || agent.Money != 0 {
			t.Fatalf("expected one credit entry, got %+v", agent.Transactions)
		}
		if len(agent.Memory.Recent) != 1 {
			t.Fatalf("expected one memory entry, got %+v", agent.Memory.Recent)
		}
	}

	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	seen := map[string]int{}
	files, _ := filepath.Glob(filepath.Join(archiveDir, "audit-*.jsonl.zst"))
	if len(files) == 0 {
		t.Fatalf("no archive files written")
	}
	for _, path := range files {
		for _, evt := range readArchive(t, path) {
			seen[evt.Type]++
		}
	}
	for eventType, want := range map[string]int{
		schema.EventNPCCreated:           2,
		schema.EventDayEnd:               1,
		schema.EventGuaranteeCreditBatch: 1,
		schema.EventDecisionCompleteNPC:  2,
		schema.EventDecisionComplete:     1,
	} {
		if seen[eventType] != want {
			t.Fatalf("archive has %d %s events, want %d (all: %v)", seen[eventType], eventType, want, seen)
		}
	}
}

func readArchive(t *testing.T, path string) []audit.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var out []audit.Event
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		var evt audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func doJSON(t *testing.T, client *http.Client, method, path, player string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = data
	}
	req, err := http.NewRequestWithContext(context.Background(), method, "http://in-process"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if player != "" {
		req.Header.Set(api.PlayerHeader, player)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
