// Package bus carries lifecycle events from the host agent into the memory
// engine. Hooks (session start/end, turn end, external maintenance requests)
// publish events here; the memory service's scheduler consumes them and turns
// them into durable jobs. Explicit events replace hidden database-side
// triggers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies a lifecycle event.
type EventKind string

const (
	SessionStart EventKind = "session_start"
	SessionEnd   EventKind = "session_end"
	TurnEnd      EventKind = "turn_end"
	MaintainTick EventKind = "maintain_tick"
)

// Event is one lifecycle signal. Session identity travels with the event;
// the memory engine keeps no ambient session state.
type Event struct {
	Kind       EventKind
	SessionID  string
	ProjectKey string
	UserID     string
	At         time.Time
}

const publishTimeout = 100 * time.Millisecond

// Bus is a bounded in-process event queue. Publishing never blocks the hook
// path for longer than publishTimeout; overflow events are counted and dropped.
type Bus struct {
	events  chan Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func New() *Bus {
	return &Bus{events: make(chan Event, 100)}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case b.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// Dropped reports how many events overflowed the buffer.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}
