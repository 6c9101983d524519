package main

import (
	"log"
	"sync"
)

// eventBusCapacity bounds the queue. Generous enough to absorb a burst of
// InputFrame events between
// control-thread dequeues without ever growing unbounded.
const eventBusCapacity = 256

// EventBus is a bounded, thread-safe FIFO queue of Events. Producers are the
// capture thread, conversation/STT client callbacks, the button-event
// source, and timer callbacks; the sole consumer is the state machine on the
// control thread. Overflow drops the oldest non-critical event rather than
// blocking a producer or dropping the newest arrival.
type EventBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	b := &EventBus{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// critical reports whether ev must never be dropped on overflow.
func critical(ev Event) bool {
	switch ev.Kind {
	case EventPanic, EventToggleDisabled, EventToggleConfigMode, EventAudioRequest:
		return true
	default:
		return false
	}
}

// Publish enqueues ev. If the queue is at capacity, the oldest non-critical
// event is dropped to make room; if every queued event is critical, ev
// itself is dropped and logged (this should not happen in practice — the
// critical set is small and drained promptly by the control thread).
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.queue) >= eventBusCapacity {
		if dropped := b.dropOldestNonCriticalLocked(); !dropped {
			log.Printf("[eventbus] queue full of critical events, dropping incoming kind=%d", ev.Kind)
			return
		}
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
}

func (b *EventBus) dropOldestNonCriticalLocked() bool {
	for i, ev := range b.queue {
		if !critical(ev) {
			log.Printf("[eventbus] overflow: dropping oldest non-critical event kind=%d", ev.Kind)
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Dequeue blocks until an event is available or the bus is closed, in which
// case ok is false.
func (b *EventBus) Dequeue() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}

// Close stops the bus: any blocked Dequeue returns immediately with ok=false
// and all queued events are dropped without dispatch, so shutdown never
// runs state-machine transitions against half-closed components.
func (b *EventBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Len reports the current queue depth. Intended for diagnostics/tests, not
// for flow control — producers never block on depth.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
