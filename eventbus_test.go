package main

import (
	"testing"
	"time"
)

func TestEventBusFIFOOrder(t *testing.T) {
	b := NewEventBus()
	b.Publish(Event{Kind: EventWake, TextID: 1})
	b.Publish(Event{Kind: EventWake, TextID: 2})
	b.Publish(Event{Kind: EventWake, TextID: 3})

	for _, want := range []int64{1, 2, 3} {
		ev, ok := b.Dequeue()
		if !ok {
			t.Fatal("Dequeue: unexpected closed bus")
		}
		if ev.TextID != want {
			t.Errorf("got TextID %d, want %d", ev.TextID, want)
		}
	}
}

func TestEventBusDropsOldestNonCriticalOnOverflow(t *testing.T) {
	b := NewEventBus()
	for i := 0; i < eventBusCapacity; i++ {
		b.Publish(Event{Kind: EventInputFrame, TextID: int64(i)})
	}
	// One more push should drop the oldest (TextID 0), not the newest.
	b.Publish(Event{Kind: EventInputFrame, TextID: int64(eventBusCapacity)})

	if got := b.Len(); got != eventBusCapacity {
		t.Fatalf("queue length after overflow: got %d, want %d", got, eventBusCapacity)
	}
	first, ok := b.Dequeue()
	if !ok || first.TextID != 1 {
		t.Errorf("expected oldest surviving event to be TextID 1, got %+v (ok=%v)", first, ok)
	}
}

func TestEventBusNeverDropsCritical(t *testing.T) {
	b := NewEventBus()
	for i := 0; i < eventBusCapacity; i++ {
		b.Publish(Event{Kind: EventPanic})
	}
	// Overflow with non-critical events must not evict any Panic event.
	b.Publish(Event{Kind: EventInputFrame})

	count := 0
	for {
		ev, ok := b.Dequeue()
		if !ok {
			break
		}
		if ev.Kind == EventPanic {
			count++
		}
		if b.Len() == 0 {
			break
		}
	}
	if count != eventBusCapacity {
		t.Errorf("expected all %d critical events preserved, got %d", eventBusCapacity, count)
	}
}

func TestEventBusCloseUnblocksDequeue(t *testing.T) {
	b := NewEventBus()
	done := make(chan struct{})
	go func() {
		_, ok := b.Dequeue()
		if ok {
			t.Error("expected ok=false after Close")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}

func TestEventBusCloseDrainsQueue(t *testing.T) {
	b := NewEventBus()
	b.Publish(Event{Kind: EventWake})
	b.Close()
	if got := b.Len(); got != 0 {
		t.Errorf("queue length after Close: got %d, want 0", got)
	}
}
