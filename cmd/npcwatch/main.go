// Command npcwatch tails the npcsimd broadcast stream and logs each message.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	var (
		addr  = flag.String("url", "ws://localhost:8080/api/streams/ws", "stream url")
		types = flag.String("types", "", "comma separated broadcast names (default all)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	target, err := streamURL(*addr, *types)
	if err != nil {
		logger.Error("bad url", "error", err)
		os.Exit(2)
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		logger.Error("dial", "url", target, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "url", target)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}()

	if err := watch(conn, logger); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		logger.Warn("stream ended", "error", err)
	}
}

func streamURL(raw, types string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if types = strings.TrimSpace(types); types != "" {
		q := u.Query()
		q.Set("types", types)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// watch logs frames until the connection fails.
func watch(conn *websocket.Conn, logger *slog.Logger) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			logger.Warn("undecodable frame", "error", err)
			continue
		}
		logger.Info(f.Type, describe(f)...)
	}
}

func describe(f frame) []any {
	switch f.Type {
	case "state_update":
		var p struct {
			NPCID        string             `json:"npc_id"`
			Version      int64              `json:"version"`
			DeltaChanges map[string]float64 `json:"delta_changes"`
			Snapshot     struct {
				Hunger float64 `json:"hunger"`
				Energy float64 `json:"energy"`
				Mood   float64 `json:"mood"`
				Money  float64 `json:"money"`
			} `json:"new_state_snapshot"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		return []any{
			"npc_id", p.NPCID,
			"version", p.Version,
			"delta", p.DeltaChanges,
			"hunger", p.Snapshot.Hunger,
			"energy", p.Snapshot.Energy,
			"mood", p.Snapshot.Mood,
			"money", p.Snapshot.Money,
		}
	case "day_end":
		var p struct {
			SimDay  int64  `json:"sim_day"`
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			break
		}
		return []any{"sim_day", p.SimDay, "event_id", p.EventID}
	}
	return []any{"payload", string(f.Payload)}
}
