package eventbus

import "time"

// Message is one broadcast delivered to subscribers. It is also the frame
// written to websocket clients.
type Message struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}
