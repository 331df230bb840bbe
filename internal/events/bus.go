// Package events provides the change event bus: an append-only, one-way
// publish/subscribe channel carrying "a resource may have changed"
// notifications from upstream systems. Delivery is at-least-once; consumers
// must be idempotent on duplicate events keyed by (table, record id).
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Operation describes what happened upstream.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Event is one change notification.
type Event struct {
	Operation Operation `json:"operation"`
	Schema    string    `json:"schema,omitempty"`
	Table     string    `json:"table"`
	RecordID  string    `json:"record_id"`
	At        time.Time `json:"at"`
}

// Key identifies the upstream record an event refers to. Consumers dedupe
// duplicate deliveries on this key.
func (e Event) Key() string { return e.Table + ":" + e.RecordID }

// Handler consumes events. Handlers must not publish back to the table that
// produced the event; the bus is strictly one-directional.
type Handler func(Event)

// Bus is the abstract publish/subscribe contract. A relational-trigger-backed
// implementation, a message-queue-backed one and the in-memory one below all
// satisfy the same consumer contract.
type Bus interface {
	Publish(e Event)
	Subscribe(h Handler) (unsubscribe func())
}

// ── In-memory bus ────────────────────────────────────────────

const defaultBuffer = 256

// MemoryBus fans events out to subscribers over buffered channels. A slow
// subscriber drops events rather than blocking publishers; at-least-once
// delivery is restored by the scheduler's periodic sync.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event)}
}

func (b *MemoryBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warn().Int("subscriber", id).Str("key", e.Key()).Msg("Event bus subscriber full, dropping event")
		}
	}
}

func (b *MemoryBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, defaultBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				h(e)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			if ch, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Close stops delivery and releases all subscriber channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
