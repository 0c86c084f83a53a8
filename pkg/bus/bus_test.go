package bus

import (
	"context"
	"testing"
)

func TestBus_PublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < cap(b.events); i++ {
		b.Publish(Event{Kind: TurnEnd, SessionID: "s1"})
	}

	b.Publish(Event{Kind: TurnEnd, SessionID: "s1"})
	if b.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", b.Dropped())
	}
}

func TestBus_ConsumeReturnsPublishedEvents(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(Event{Kind: SessionEnd, SessionID: "s1", ProjectKey: "p1", UserID: "u1"})

	ev, ok := b.Consume(context.Background())
	if !ok {
		t.Fatalf("expected event, got none")
	}
	if ev.Kind != SessionEnd || ev.SessionID != "s1" {
		t.Fatalf("unexpected event: %#v", ev)
	}
	if ev.At.IsZero() {
		t.Fatalf("expected publish to stamp the event time")
	}
}

func TestBus_ClosedReturnsFalse(t *testing.T) {
	b := New()
	b.Close()

	if _, ok := b.Consume(context.Background()); ok {
		t.Fatalf("expected closed consume to return ok=false")
	}
	// Publishing after close must not panic.
	b.Publish(Event{Kind: TurnEnd})
}
