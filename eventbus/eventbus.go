// Package eventbus is the engine's progress-reporting fan-out: a
// subscriber pattern over bounded queues where emit never blocks the
// caller. Progress reporting must never throttle orchestration, so a full
// subscriber queue silently drops the event rather than applying
// backpressure.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/codesynth/codesynth/task"
)

// QueueCapacity is the bounded channel size every subscription receives.
const QueueCapacity = 1000

// Queue is a subscriber's inbound event channel.
type Queue = <-chan task.Event

// Bus is a concurrency-safe, lossy, non-blocking publish/subscribe fan-out
// of task.Event values.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan task.Event]struct{}

	dropped atomic.Uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[chan task.Event]struct{})}
}

// Subscribe returns a new bounded queue that will receive every
// subsequently emitted event, and an Unsubscribe function that removes it.
func (b *Bus) Subscribe() (Queue, func()) {
	ch := make(chan task.Event, QueueCapacity)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() { b.Unsubscribe(ch) }
	return ch, unsubscribe
}

// Unsubscribe removes a queue previously returned by Subscribe. Safe to
// call more than once.
func (b *Bus) Unsubscribe(ch chan task.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Emit delivers ev to every current subscriber queue without blocking. A
// subscriber whose queue is full does not receive this event — the event
// is dropped for that subscriber only, and the bus's drop counter
// increments; Dropped reports it.
func (b *Bus) Emit(ev task.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the cumulative count of events that could not be
// delivered to some subscriber because its queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of currently active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
