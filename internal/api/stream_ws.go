package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/flitsinc/go-npcsim/internal/eventbus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS forwards broadcasts to a websocket client. ?types= limits
// the broadcast names; the default is all of them.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream bus"))
		return
	}

	names := splitComma(r.URL.Query().Get("types"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Reads are only needed to notice the client going away.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, s.Bus, names, conn); err != nil && ctx.Err() == nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEvents(ctx context.Context, bus *eventbus.Bus, names []string, writer wsWriter) error {
	sub := bus.Subscribe(ctx, names)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
