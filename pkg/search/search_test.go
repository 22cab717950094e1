package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgmap/orgmap/pkg/fts"
	"github.com/orgmap/orgmap/pkg/graph"
)

type collector struct {
	mu   sync.Mutex
	hits []struct {
		RequestID string
		Hit       Hit
	}
}

func (c *collector) emit(requestID string, h Hit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = append(c.hits, struct {
		RequestID string
		Hit       Hit
	}{requestID, h})
}

func (c *collector) ids() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]bool{}
	for _, h := range c.hits {
		out[h.Hit.ID] = true
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hits)
}

func testStore(t *testing.T) (*graph.Store, *fts.Index) {
	t.Helper()
	s := graph.New()
	s.Batch(func(tx *graph.Tx) {
		tx.UpsertNode(graph.Node{ID: "n1", Title: "Emacs basics", Tags: []string{"emacs"}})
		tx.UpsertNode(graph.Node{ID: "n2", Title: "Vim", Tags: []string{"editors"}})
		tx.UpsertNode(graph.Node{ID: "n3", Title: "Emacs lisp", Tags: []string{"emacs", "lisp"}})
	})

	idx, err := fts.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() }) //nolint:errcheck
	require.NoError(t, idx.Upsert("n1", fts.Doc{Title: "Emacs basics", Tags: []string{"emacs"}}))
	require.NoError(t, idx.Upsert("n2", fts.Doc{Title: "Vim", Body: "compared with emacs", Tags: []string{"editors"}}))
	require.NoError(t, idx.Upsert("n3", fts.Doc{Title: "Emacs lisp", Tags: []string{"emacs", "lisp"}}))
	return s, idx
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, idx := testStore(t)
	return NewDispatcher(nil,
		&FullTextProvider{Index: idx, Store: store},
		&TitlePrefixProvider{Store: store},
		&TagExactProvider{Store: store},
	)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestProvidersRegistry(t *testing.T) {
	d := newTestDispatcher(t)
	infos := d.Providers()
	require.Len(t, infos, 3)
	assert.Equal(t, 1, infos[0].ProviderID)
	assert.Equal(t, "full-text", infos[0].Name)
	assert.Equal(t, "prefix-title", infos[1].Name)
	assert.Equal(t, "tag-exact", infos[2].Name)
}

func TestDispatchStreamsTaggedHits(t *testing.T) {
	d := newTestDispatcher(t)
	var c collector

	d.Dispatch(context.Background(), "caller", "req-1", "emacs", c.emit)
	waitFor(t, func() bool {
		ids := c.ids()
		return ids["n1"] && ids["n2"] && ids["n3"]
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	providers := map[int]bool{}
	for _, h := range c.hits {
		assert.Equal(t, "req-1", h.RequestID)
		providers[h.Hit.Provider] = true
	}
	// The union of matching ids covers every matching node, across more
	// than one provider. Duplicates across providers are allowed.
	assert.True(t, providers[ProviderFullText])
	assert.True(t, providers[ProviderTagExact])
}

func TestTitlePrefixProvider(t *testing.T) {
	store, _ := testStore(t)
	p := &TitlePrefixProvider{Store: store}

	var hits []Hit
	require.NoError(t, p.Search(context.Background(), "emacs", func(h Hit) { hits = append(hits, h) }))
	require.Len(t, hits, 2)
	// Snapshot order is id-ascending.
	assert.Equal(t, "n1", hits[0].ID)
	assert.Equal(t, "n3", hits[1].ID)

	hits = nil
	require.NoError(t, p.Search(context.Background(), "EMACS B", func(h Hit) { hits = append(hits, h) }))
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].ID)
}

func TestTagExactProvider(t *testing.T) {
	store, _ := testStore(t)
	p := &TagExactProvider{Store: store}

	var hits []Hit
	require.NoError(t, p.Search(context.Background(), "lisp", func(h Hit) { hits = append(hits, h) }))
	require.Len(t, hits, 1)
	assert.Equal(t, "n3", hits[0].ID)

	hits = nil
	require.NoError(t, p.Search(context.Background(), "emac", func(h Hit) { hits = append(hits, h) }))
	assert.Empty(t, hits)
}

// A slow provider from a superseded query must not leak hits for the old
// request once a new query for the same caller arrives.
type slowProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *slowProvider) ID() int      { return 99 }
func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Search(ctx context.Context, query string, emit func(Hit)) error {
	select {
	case p.started <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	emit(Hit{Provider: 99, ID: "late"})
	return nil
}

func TestNewQuerySupersedesOld(t *testing.T) {
	slow := &slowProvider{started: make(chan struct{}, 2), release: make(chan struct{})}
	d := NewDispatcher(nil, slow)
	var c collector

	d.Dispatch(context.Background(), "caller", "req-old", "x", c.emit)
	<-slow.started

	// The new query for the same caller cancels the old one.
	d.Dispatch(context.Background(), "caller", "req-new", "y", c.emit)
	close(slow.release)

	time.Sleep(100 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hits {
		assert.NotEqual(t, "req-old", h.RequestID)
	}
}

func TestCancelCaller(t *testing.T) {
	slow := &slowProvider{started: make(chan struct{}, 2), release: make(chan struct{})}
	d := NewDispatcher(nil, slow)
	var c collector

	d.Dispatch(context.Background(), "caller", "req", "x", c.emit)
	<-slow.started
	d.CancelCaller("caller")
	close(slow.release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}
