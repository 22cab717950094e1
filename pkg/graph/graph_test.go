package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsert(s *Store, id string, tags ...string) Delta {
	return s.Batch(func(tx *Tx) {
		tx.UpsertNode(Node{ID: id, Title: "T " + id, File: id + ".org", Tags: tags})
	})
}

func TestUpsertAndAdjacency(t *testing.T) {
	s := New()
	upsert(s, "a")
	upsert(s, "b")

	d := s.Batch(func(tx *Tx) {
		tx.ReplaceOutgoing("a", []string{"b", "b"}) // duplicate collapses
	})
	assert.Equal(t, []Link{{From: "a", To: "b"}}, d.NewLinks)

	assert.Equal(t, []string{"b"}, s.Adjacent("a", Out))
	assert.Equal(t, []string{"a"}, s.Adjacent("b", In))

	a, ok := s.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, 1, a.NumLinks)

	// Replacing attributes preserves both adjacency directions.
	s.Batch(func(tx *Tx) {
		tx.UpsertNode(Node{ID: "a", Title: "renamed", File: "a.org"})
	})
	a, _ = s.GetNode("a")
	assert.Equal(t, "renamed", a.Title)
	assert.Equal(t, []string{"b"}, s.Adjacent("a", Out))
}

func TestDanglingResolves(t *testing.T) {
	s := New()
	upsert(s, "n3")
	d := s.Batch(func(tx *Tx) {
		tx.ReplaceOutgoing("n3", []string{"n9"})
	})
	assert.Empty(t, d.NewLinks)
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, s.DanglingLinks())
	assert.Empty(t, s.Snapshot(Filter{}).Links)

	n3, _ := s.GetNode("n3")
	assert.Equal(t, 0, n3.NumLinks)

	// The target appears: exactly one new link, not a duplicate.
	d = upsert(s, "n9")
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, d.NewLinks)
	assert.Empty(t, s.DanglingLinks())
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, s.Snapshot(Filter{}).Links)

	n3, _ = s.GetNode("n3")
	assert.Equal(t, 1, n3.NumLinks)

	// Re-adding the same raw target stays a single link.
	s.Batch(func(tx *Tx) { tx.ReplaceOutgoing("n3", []string{"n9"}) })
	assert.Len(t, s.Snapshot(Filter{}).Links, 1)
}

func TestRemoveNodeWithIncoming(t *testing.T) {
	s := New()
	upsert(s, "n3")
	upsert(s, "n9")
	s.Batch(func(tx *Tx) { tx.ReplaceOutgoing("n3", []string{"n9"}) })

	d := s.Batch(func(tx *Tx) { tx.RemoveNode("n9") })
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, d.RemovedLinks)

	// The link target key is retained in the dangling set.
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, s.DanglingLinks())
	assert.Empty(t, s.Snapshot(Filter{}).Links)

	// Re-adding the target restores exactly the old shape.
	d = upsert(s, "n9")
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, d.NewLinks)
	assert.Equal(t, []Link{{From: "n3", To: "n9"}}, s.Snapshot(Filter{}).Links)
}

func TestRemoveNodeDropsOutgoing(t *testing.T) {
	s := New()
	upsert(s, "a")
	upsert(s, "b")
	s.Batch(func(tx *Tx) { tx.ReplaceOutgoing("a", []string{"b", "ghost"}) })

	s.Batch(func(tx *Tx) { tx.RemoveNode("a") })
	assert.Empty(t, s.Adjacent("b", In))
	// a's raw link to the never-seen target disappears with it.
	assert.Empty(t, s.DanglingLinks())
}

func TestAdjacencySymmetry(t *testing.T) {
	s := New()
	for _, id := range []string{"a", "b", "c"} {
		upsert(s, id)
	}
	s.Batch(func(tx *Tx) {
		tx.ReplaceOutgoing("a", []string{"b", "c"})
		tx.ReplaceOutgoing("b", []string{"a"})
		tx.ReplaceOutgoing("c", []string{"c"}) // self-link is legal
	})

	snap := s.Snapshot(Filter{})
	for _, n := range snap.Nodes {
		for _, out := range s.Adjacent(n.ID, Out) {
			assert.Contains(t, s.Adjacent(out, In), n.ID)
		}
		for _, in := range s.Adjacent(n.ID, In) {
			assert.Contains(t, s.Adjacent(in, Out), n.ID)
		}
		assert.Equal(t, len(s.Adjacent(n.ID, Out)), n.NumLinks)
	}
}

func TestTagIndex(t *testing.T) {
	s := New()
	upsert(s, "a", "t", "x")
	upsert(s, "b", "t")
	upsert(s, "c", "y")

	assert.Equal(t, []string{"t", "x", "y"}, s.Tags())
	assert.Equal(t, []string{"a", "b"}, s.TagNodes("t"))

	// Retagging updates the reverse index.
	s.Batch(func(tx *Tx) {
		tx.UpsertNode(Node{ID: "a", Tags: []string{"z"}})
	})
	assert.Equal(t, []string{"b"}, s.TagNodes("t"))
	assert.Equal(t, []string{"a"}, s.TagNodes("z"))

	s.Batch(func(tx *Tx) { tx.RemoveNode("b") })
	assert.Empty(t, s.TagNodes("t"))
	assert.Equal(t, []string{"y", "z"}, s.Tags())
}

func TestSnapshotFilters(t *testing.T) {
	s := New()
	upsert(s, "a", "keep")
	upsert(s, "b", "keep", "drop")
	upsert(s, "c", "other")
	s.Batch(func(tx *Tx) {
		tx.ReplaceOutgoing("a", []string{"b", "c"})
	})

	cases := []struct {
		name      string
		filter    Filter
		wantIDs   []string
		wantLinks int
	}{
		{name: "unfiltered", filter: Filter{}, wantIDs: []string{"a", "b", "c"}, wantLinks: 2},
		{name: "any", filter: Filter{TagsAny: []string{"keep"}}, wantIDs: []string{"a", "b"}, wantLinks: 1},
		{name: "none", filter: Filter{TagsNone: []string{"drop"}}, wantIDs: []string{"a", "c"}, wantLinks: 1},
		{
			name:    "combined",
			filter:  Filter{TagsAny: []string{"keep"}, TagsNone: []string{"drop"}},
			wantIDs: []string{"a"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := s.Snapshot(tc.filter)
			var ids []string
			for _, n := range snap.Nodes {
				ids = append(ids, n.ID)
			}
			assert.Equal(t, tc.wantIDs, ids)
			assert.Len(t, snap.Links, tc.wantLinks)
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	upsert(s, "a", "t")
	snap := s.Snapshot(Filter{})

	s.Batch(func(tx *Tx) { tx.RemoveNode("a") })

	// The earlier snapshot is unaffected by later writes.
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "a", snap.Nodes[0].ID)
	assert.Equal(t, 0, s.Len())
}

func TestRemoveThenReAddRestoresShape(t *testing.T) {
	s := New()
	upsert(s, "a", "t")
	upsert(s, "b")
	s.Batch(func(tx *Tx) { tx.ReplaceOutgoing("a", []string{"b"}) })
	before := s.Snapshot(Filter{})

	s.Batch(func(tx *Tx) { tx.RemoveNode("a") })
	upsert(s, "a", "t")
	s.Batch(func(tx *Tx) { tx.ReplaceOutgoing("a", []string{"b"}) })

	after := s.Snapshot(Filter{})
	assert.Equal(t, before.Links, after.Links)
	require.Len(t, after.Nodes, len(before.Nodes))
	for i := range before.Nodes {
		assert.Equal(t, before.Nodes[i].ID, after.Nodes[i].ID)
		assert.Equal(t, before.Nodes[i].Tags, after.Nodes[i].Tags)
		assert.Equal(t, before.Nodes[i].NumLinks, after.Nodes[i].NumLinks)
	}
}
