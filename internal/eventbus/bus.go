// Package eventbus is the in-process publish sink: fire-and-forget broadcast
// of named events to whoever is subscribed at the time.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const subscriberBuffer = 64

type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	published atomic.Int64
	dropped   atomic.Int64
}

type subscriber struct {
	names map[string]struct{}
	ch    chan Message
}

func NewBus() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

// Broadcast hands the message to every matching subscriber without blocking.
// A subscriber whose buffer is full misses the message.
func (b *Bus) Broadcast(name string, payload any) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	msg := Message{Type: name, Payload: payload, SentAt: time.Now().UTC()}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.names) > 0 {
			if _, ok := sub.names[name]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			// Drop if subscriber is slow.
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of broadcasts whose name is in names (all
// broadcasts when names is empty). The channel is closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, names []string) <-chan Message {
	ch := make(chan Message, subscriberBuffer)
	nameSet := map[string]struct{}{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		nameSet[n] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{names: nameSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
