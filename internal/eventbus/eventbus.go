// Package eventbus is the only channel through which engine state leaves
// the engine (spec.md §4.7). It fans job/item events out to subscribers
// without ever letting a slow subscriber block the worker pool.
package eventbus

import (
	"sync"

	"forgedl/internal/logger"
	"forgedl/internal/model"
)

// queueSize is the bounded per-subscriber mailbox depth. Once full,
// ITEM_PROGRESS events are dropped oldest-first; every other event type
// evicts whatever is oldest in the mailbox (progress or not) so it is
// never dropped, even when the mailbox is wedged full of non-progress
// events from a subscriber that has stopped draining.
const queueSize = 256

// Bus fans events out to registered subscribers. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]*subscriber
	next int64
}

type subscriber struct {
	ch     chan model.Event
	closed bool
}

// Handle identifies a subscription for later Unsubscribe.
type Handle int64

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]*subscriber)}
}

// Subscribe registers a new listener and returns a handle plus the
// channel it should range over. The channel is closed on Unsubscribe.
func (b *Bus) Subscribe() (Handle, <-chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan model.Event, queueSize)}
	b.subs[id] = sub
	return Handle(id), sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[int64(h)]
	if !ok {
		return
	}
	delete(b.subs, int64(h))
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish fans ev out to every subscriber. The engine never blocks on a
// subscriber: ITEM_PROGRESS is dropped oldest-first when a mailbox is
// full; every other event type evicts the oldest queued entry instead,
// so terminal events are never silently lost.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.closed {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev model.Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	if ev.Type != model.EventItemProgress {
		// Non-progress events must never be dropped, even against a
		// mailbox full of other non-progress events: evict the oldest
		// queued event to make room, retrying in case another publisher
		// refills the slot first.
		for i := 0; i < queueSize; i++ {
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
				return
			default:
			}
		}
		logger.Log.Warn().Str("event", string(ev.Type)).Msg("subscriber mailbox full, event dropped")
		return
	}

	// Drop the oldest queued progress update to make room for the newest.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
}

// SubscriberCount reports the number of active subscribers, useful for tests
// and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
