// Package bus is the topic-less broadcast bus that fans graph deltas and
// status messages out to push subscribers. Every subscriber owns a bounded
// inbox; when it falls behind, status-coalescable messages collapse first,
// and only a subscriber that stays saturated past the grace period is
// dropped. Graph updates are never silently discarded for a live
// subscriber: adjacent ones merge but always arrive in commit order.
package bus

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/protocol"
)

const (
	// DefaultInbox is the per-subscriber queue bound.
	DefaultInbox = 64

	// PingInterval is how often liveness pings go out.
	PingInterval = 15 * time.Second

	// PongTimeout marks a subscriber slow when no pong arrived for this
	// long.
	PongTimeout = 45 * time.Second

	// overflowGrace is how long a saturated inbox is tolerated before the
	// subscriber is dropped.
	overflowGrace = 5 * time.Second
)

// Bus broadcasts messages to all current subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	logger *slog.Logger

	now func() time.Time
}

// New returns an empty bus. A nil logger silences it.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Bus{
		subs:   map[string]*Subscriber{},
		logger: logger,
		now:    time.Now,
	}
}

// Subscriber is one bounded inbox plus the channel it drains into.
type Subscriber struct {
	ID string

	bus  *Bus
	out  chan protocol.Message
	done chan struct{}

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []protocol.Message
	capacity      int
	closed        bool
	overflowSince time.Time
	lastPong      time.Time
}

// Subscribe registers a new subscriber with the given inbox bound (<=0 uses
// DefaultInbox).
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultInbox
	}
	s := &Subscriber{
		ID:       uuid.NewString(),
		bus:      b,
		out:      make(chan protocol.Message, 1),
		done:     make(chan struct{}),
		capacity: buffer,
		lastPong: b.now(),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// C is the delivery channel. It closes when the subscriber is dropped or
// closed; pending deliveries are discarded at that point.
func (s *Subscriber) C() <-chan protocol.Message { return s.out }

// Pong records a liveness answer from the transport.
func (s *Subscriber) Pong() {
	s.mu.Lock()
	s.lastPong = s.bus.now()
	s.mu.Unlock()
}

// Close unregisters the subscriber and discards its pending deliveries.
func (s *Subscriber) Close() {
	s.bus.remove(s.ID)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish enqueues msg for every subscriber.
func (b *Bus) Publish(msg protocol.Message) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.enqueue(msg, b.now()) {
			b.logger.Warn("slow subscriber dropped", "subscriber", s.ID)
			b.remove(s.ID)
		}
	}
}

// Run emits liveness pings and drops subscribers whose pongs stopped. It
// returns when ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(protocol.NewPing())
			b.dropStale()
		}
	}
}

func (b *Bus) dropStale() {
	now := b.now()
	b.mu.Lock()
	var stale []*Subscriber
	for _, s := range b.subs {
		s.mu.Lock()
		if now.Sub(s.lastPong) > PongTimeout {
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	b.mu.Unlock()

	for _, s := range stale {
		b.logger.Warn("slow subscriber dropped", "subscriber", s.ID, "reason", "pong timeout")
		b.remove(s.ID)
	}
}

// Shutdown drops every subscriber.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.remove(id)
	}
}

func coalescable(msg protocol.Message) bool {
	switch msg.Kind() {
	case protocol.KindPing, protocol.KindStatusUpdate:
		return true
	}
	return false
}

// enqueue applies the inbox policy. The returned bool asks the bus to drop
// this subscriber (saturated beyond the grace period).
func (s *Subscriber) enqueue(msg protocol.Message, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	defer s.cond.Signal()

	if gu, ok := msg.(protocol.GraphUpdate); ok {
		// Merge into the most recent queued graph update so order and
		// content are both preserved.
		if n := len(s.queue); n > 0 {
			if last, ok := s.queue[n-1].(protocol.GraphUpdate); ok {
				s.queue[n-1] = last.Merge(gu)
				return false
			}
		}
		if len(s.queue) >= s.capacity {
			s.evictCoalescable()
		}
		s.queue = append(s.queue, gu)
		if len(s.queue) <= s.capacity {
			s.overflowSince = time.Time{}
			return false
		}
		if s.overflowSince.IsZero() {
			s.overflowSince = now
			return false
		}
		return now.Sub(s.overflowSince) > overflowGrace
	}

	if coalescable(msg) {
		// Collapse with an already-queued message of the same kind.
		for i, queued := range s.queue {
			if queued.Kind() == msg.Kind() {
				s.queue[i] = msg
				return false
			}
		}
		if len(s.queue) >= s.capacity {
			// Droppable under pressure.
			return false
		}
		s.queue = append(s.queue, msg)
		return false
	}

	if len(s.queue) >= s.capacity {
		s.evictCoalescable()
	}
	if len(s.queue) >= s.capacity {
		if s.overflowSince.IsZero() {
			s.overflowSince = now
		}
		return now.Sub(s.overflowSince) > overflowGrace
	}
	s.queue = append(s.queue, msg)
	return false
}

// evictCoalescable removes the oldest ping or status message, if any.
// Caller holds s.mu.
func (s *Subscriber) evictCoalescable() {
	for i, queued := range s.queue {
		if coalescable(queued) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) <= s.capacity {
			s.overflowSince = time.Time{}
		}
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
