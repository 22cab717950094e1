package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/protocol"
)

func recv(t *testing.T, s *Subscriber) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscriber channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func graphUpdate(newNodes ...string) protocol.GraphUpdate {
	gu := protocol.NewGraphUpdate()
	for _, id := range newNodes {
		gu.NewNodes = append(gu.NewNodes, protocol.NodeRecord{ID: id})
	}
	return gu
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(nil)
	s := b.Subscribe(8)
	defer s.Close()

	b.Publish(graphUpdate("a"))
	first := recv(t, s)
	b.Publish(protocol.NewNodeVisited("n1"))
	second := recv(t, s)

	require.Equal(t, protocol.KindGraphUpdate, first.Kind())
	require.Equal(t, protocol.KindNodeVisited, second.Kind())
	assert.Equal(t, "n1", second.(protocol.NodeVisited).NodeID)
}

func TestFanOut(t *testing.T) {
	b := New(nil)
	s1 := b.Subscribe(8)
	s2 := b.Subscribe(8)
	defer s1.Close()
	defer s2.Close()

	b.Publish(graphUpdate("a"))
	assert.Equal(t, protocol.KindGraphUpdate, recv(t, s1).Kind())
	assert.Equal(t, protocol.KindGraphUpdate, recv(t, s2).Kind())
}

func TestAdjacentGraphUpdatesMerge(t *testing.T) {
	b := New(nil)
	s := b.Subscribe(8)
	defer s.Close()

	// Two updates land while the pump is busy with the first; hold the
	// channel by not reading yet. The first publish moves one message into
	// the out channel buffer, so publish three.
	b.Publish(graphUpdate("a"))
	b.Publish(graphUpdate("b"))
	b.Publish(graphUpdate("c"))
	time.Sleep(50 * time.Millisecond)

	got := recv(t, s).(protocol.GraphUpdate)
	ids := []string{got.NewNodes[0].ID}

	// Whatever was queued behind has merged, preserving commit order.
	for len(ids) < 3 {
		next := recv(t, s).(protocol.GraphUpdate)
		for _, n := range next.NewNodes {
			ids = append(ids, n.ID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

// Drives the inbox directly (no pump) so queue contents are deterministic.
func TestStatusMessagesCollapse(t *testing.T) {
	b := New(nil)
	s := &Subscriber{
		ID:       "inbox-test",
		bus:      b,
		out:      make(chan protocol.Message, 1),
		done:     make(chan struct{}),
		capacity: 8,
	}
	s.cond = sync.NewCond(&s.mu)
	now := time.Unix(1000, 0)

	st1 := protocol.NewStatusUpdate()
	st1.VisitedNode = "old"
	st2 := protocol.NewStatusUpdate()
	st2.VisitedNode = "new"

	require.False(t, s.enqueue(graphUpdate("hold"), now))
	require.False(t, s.enqueue(st1, now))
	require.False(t, s.enqueue(protocol.NewPing(), now))
	require.False(t, s.enqueue(st2, now))

	s.mu.Lock()
	defer s.mu.Unlock()
	var statuses []protocol.StatusUpdate
	for _, msg := range s.queue {
		if su, ok := msg.(protocol.StatusUpdate); ok {
			statuses = append(statuses, su)
		}
	}
	require.Len(t, statuses, 1)
	assert.Equal(t, "new", statuses[0].VisitedNode)
	require.Len(t, s.queue, 3) // graph update, collapsed status, ping
}

func TestCloseDiscardsPending(t *testing.T) {
	b := New(nil)
	s := b.Subscribe(8)

	for i := 0; i < 5; i++ {
		b.Publish(protocol.NewNodeVisited("n"))
	}
	s.Close()

	// The channel closes without requiring the pending queue to drain.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.C():
			if !ok {
				assert.Equal(t, 0, b.SubscriberCount())
				return
			}
		case <-deadline:
			t.Fatal("channel never closed")
		}
	}
}

// Drives the inbox policy directly (no pump) so saturation is
// deterministic.
func TestSlowSubscriberDroppedAfterGrace(t *testing.T) {
	b := New(log.NewNop())
	s := &Subscriber{
		ID:       "inbox-test",
		bus:      b,
		out:      make(chan protocol.Message, 1),
		done:     make(chan struct{}),
		capacity: 2,
	}
	s.cond = sync.NewCond(&s.mu)
	now := time.Unix(1000, 0)

	require.False(t, s.enqueue(graphUpdate("a"), now))
	require.False(t, s.enqueue(protocol.NewNodeVisited("x"), now))

	// The inbox is full and holds nothing coalescable: the overflow clock
	// starts, but within the grace period the subscriber survives.
	require.False(t, s.enqueue(protocol.NewNodeVisited("y"), now))
	require.False(t, s.enqueue(protocol.NewNodeVisited("z"), now.Add(time.Second)))

	// Graph updates are never discarded while the subscriber lives: they
	// land past the bound, merging with the most recent queued update.
	require.False(t, s.enqueue(graphUpdate("b"), now.Add(time.Second)))
	require.False(t, s.enqueue(graphUpdate("c"), now.Add(2*time.Second)))
	s.mu.Lock()
	last := s.queue[len(s.queue)-1].(protocol.GraphUpdate)
	s.mu.Unlock()
	require.Len(t, last.NewNodes, 2)
	assert.Equal(t, "b", last.NewNodes[0].ID)
	assert.Equal(t, "c", last.NewNodes[1].ID)

	// Past the grace period the saturated subscriber is dropped.
	require.True(t, s.enqueue(protocol.NewNodeVisited("w"), now.Add(overflowGrace+2*time.Second)))
}

func TestPongTimeoutDropsSubscriber(t *testing.T) {
	b := New(log.NewNop())
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	s := b.Subscribe(8)
	fresh := b.Subscribe(8)
	_ = s

	now = now.Add(PongTimeout / 2)
	fresh.Pong()
	now = now.Add(PongTimeout/2 + time.Second)

	b.dropStale()
	assert.Equal(t, 1, b.SubscriberCount())
}
