// Package stream pushes PriceQuote, Trade and EconomicEvent facts to
// consumers without ever blocking the simulation. Every subscriber has a
// bounded buffer; when it is full the oldest fact is dropped.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind tags a fact.
type Kind string

const (
	KindQuote  Kind = "quote"
	KindTrade  Kind = "trade"
	KindEvent  Kind = "event"
	KindPhase  Kind = "phase"
	KindReport Kind = "report"
)

// Fact is one pushed record. Data is one of the engine's fact types and is
// treated as immutable once published.
type Fact struct {
	Kind Kind   `json:"kind"`
	Tick uint64 `json:"tick"`
	Data any    `json:"data"`
}

// Subscription receives facts on C until it is unsubscribed.
type Subscription struct {
	ID      uint64
	C       <-chan Fact
	ch      chan Fact
	dropped atomic.Uint64
}

// Dropped returns how many facts this subscriber lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

const recentSize = 64

// Broadcaster fans facts out to subscribers and keeps a short ring of recent
// facts for catch-up on connect.
type Broadcaster struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*Subscription
	recent  []Fact
	dropped atomic.Uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a consumer with the given buffer size.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Fact, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{ID: b.nextID, C: ch, ch: ch}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the consumer and closes its channel. Calling it twice
// is harmless.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total facts dropped across all subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Publish delivers facts to every subscriber without blocking.
func (b *Broadcaster) Publish(facts ...Fact) {
	if len(facts) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, facts...)
	if len(b.recent) > recentSize {
		b.recent = append(b.recent[:0:0], b.recent[len(b.recent)-recentSize:]...)
	}

	for _, sub := range b.subs {
		lost := 0
		for _, f := range facts {
			if !offer(sub.ch, f) {
				lost++
			}
		}
		if lost > 0 {
			sub.dropped.Add(uint64(lost))
			b.dropped.Add(uint64(lost))
			slog.Warn("stream subscriber lagging, dropped oldest facts", "sub_id", sub.ID, "dropped", lost)
		}
	}
}

// offer sends f, evicting the oldest buffered fact if the buffer is full. It
// reports false when something was evicted.
func offer(ch chan Fact, f Fact) bool {
	select {
	case ch <- f:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- f:
	default:
	}
	return false
}

// Recent returns up to n of the most recent facts, oldest first.
func (b *Broadcaster) Recent(n int) []Fact {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	return append([]Fact(nil), b.recent[len(b.recent)-n:]...)
}
