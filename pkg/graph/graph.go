// Package graph holds the authoritative in-memory graph of nodes and
// directed id-links. It is a multiple-reader / single-writer structure: all
// mutations happen inside a Batch so one file's commit is visible to readers
// as a single atomic swap, and reads work on point-in-time copies.
//
// Links are derived state. Each node carries its raw outgoing target list as
// parsed; whether a given link is resolved or dangling depends only on
// whether the target id currently exists. The store maintains the incoming
// adjacency and the dangling side-set incrementally so both are O(1) to
// consult.
package graph

import (
	"sort"
	"sync"

	"github.com/orgmap/orgmap/pkg/org"
)

// Node is one node record. Outgoing is the raw ordered target list; the
// resolved subset is what adjacency, NumLinks, and snapshots expose.
type Node struct {
	ID       string
	Title    string
	ParentID string
	File     string
	Span     org.Span
	Tags     []string

	// Outgoing is the ordered, deduplicated raw link target list.
	Outgoing []string

	// AST is the node's parsed body, shared read-only with renderers and
	// the LaTeX rasterizer.
	AST *org.Node

	// NumLinks is the resolved outgoing degree. Maintained on read copies;
	// ignored on input records.
	NumLinks int
}

// Link is a directed edge between two node ids.
type Link struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Delta is the resolved-link churn produced by one batch of mutations.
type Delta struct {
	NewLinks     []Link
	RemovedLinks []Link
}

// Filter restricts a snapshot by tags.
type Filter struct {
	// TagsAny keeps nodes carrying at least one of these tags. Empty
	// means no tag restriction.
	TagsAny []string

	// TagsNone drops nodes carrying any of these tags.
	TagsNone []string
}

// Snapshot is a point-in-time copy of the (filtered) graph. Links only
// connect nodes present in the snapshot.
type Snapshot struct {
	Nodes []Node
	Links []Link
}

type nodeState struct {
	rec      Node
	incoming map[string]struct{}
}

// Store is the in-memory graph store.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*nodeState
	tags     map[string]map[string]struct{}
	dangling map[string]map[string]struct{} // target key -> source ids
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nodes:    map[string]*nodeState{},
		tags:     map[string]map[string]struct{}{},
		dangling: map[string]map[string]struct{}{},
	}
}

// Tx exposes the mutating operations. It is only valid inside the Batch that
// created it.
type Tx struct {
	s     *Store
	delta Delta
}

// Batch runs fn with the write lock held for its whole duration, so a file
// commit containing several operations lands atomically with respect to
// every reader. The returned delta lists the resolved links created and
// removed by the batch.
func (s *Store) Batch(fn func(tx *Tx)) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s}
	fn(tx)
	return tx.delta
}

// UpsertNode inserts or replaces the node's attributes. Incoming adjacency
// and the raw outgoing list are preserved across replacement; use
// ReplaceOutgoing to swap the link set. Inserting a node resolves any
// dangling links that were waiting for its id.
func (tx *Tx) UpsertNode(rec Node) {
	s := tx.s
	rec.NumLinks = 0

	if st, ok := s.nodes[rec.ID]; ok {
		for _, t := range st.rec.Tags {
			s.dropTag(t, rec.ID)
		}
		rec.Outgoing = st.rec.Outgoing
		st.rec = rec
		for _, t := range rec.Tags {
			s.addTag(t, rec.ID)
		}
		return
	}

	st := &nodeState{rec: rec, incoming: map[string]struct{}{}}
	st.rec.Outgoing = nil
	s.nodes[rec.ID] = st
	for _, t := range rec.Tags {
		s.addTag(t, rec.ID)
	}

	// Promote dangling links waiting for this id.
	for src := range s.dangling[rec.ID] {
		st.incoming[src] = struct{}{}
		tx.delta.NewLinks = append(tx.delta.NewLinks, Link{From: src, To: rec.ID})
	}
	delete(s.dangling, rec.ID)
}

// RemoveNode deletes the node, drops its outgoing links, and turns links
// that pointed at it into dangling ones (the target key is retained so a
// later insert of the same id resolves them again).
func (tx *Tx) RemoveNode(id string) {
	s := tx.s
	st, ok := s.nodes[id]
	if !ok {
		return
	}

	for _, target := range st.rec.Outgoing {
		if other, ok := s.nodes[target]; ok {
			delete(other.incoming, id)
			tx.delta.RemovedLinks = append(tx.delta.RemovedLinks, Link{From: id, To: target})
		} else {
			s.dropDangling(target, id)
		}
	}

	for src := range st.incoming {
		tx.delta.RemovedLinks = append(tx.delta.RemovedLinks, Link{From: src, To: id})
		s.addDangling(id, src)
	}

	for _, t := range st.rec.Tags {
		s.dropTag(t, id)
	}
	delete(s.nodes, id)
}

// ReplaceOutgoing atomically swaps one node's outgoing set. Duplicate
// targets collapse to their first occurrence. Both adjacency directions and
// the dangling set are updated.
func (tx *Tx) ReplaceOutgoing(id string, targets []string) {
	s := tx.s
	st, ok := s.nodes[id]
	if !ok {
		return
	}

	next := dedupe(targets)
	nextSet := map[string]struct{}{}
	for _, t := range next {
		nextSet[t] = struct{}{}
	}

	for _, t := range st.rec.Outgoing {
		if _, keep := nextSet[t]; keep {
			continue
		}
		if other, ok := s.nodes[t]; ok {
			delete(other.incoming, id)
			tx.delta.RemovedLinks = append(tx.delta.RemovedLinks, Link{From: id, To: t})
		} else {
			s.dropDangling(t, id)
		}
	}

	prevSet := map[string]struct{}{}
	for _, t := range st.rec.Outgoing {
		prevSet[t] = struct{}{}
	}
	for _, t := range next {
		if _, had := prevSet[t]; had {
			continue
		}
		if other, ok := s.nodes[t]; ok {
			other.incoming[id] = struct{}{}
			tx.delta.NewLinks = append(tx.delta.NewLinks, Link{From: id, To: t})
		} else {
			s.addDangling(t, id)
		}
	}

	st.rec.Outgoing = next
}

// ResolveDangling promotes dangling links whose target key matches an id
// that now exists. UpsertNode already does this on insert; the operation is
// exposed for callers that add nodes through other paths.
func (tx *Tx) ResolveDangling(id string) {
	s := tx.s
	st, ok := s.nodes[id]
	if !ok {
		return
	}
	for src := range s.dangling[id] {
		if _, dup := st.incoming[src]; dup {
			continue
		}
		st.incoming[src] = struct{}{}
		tx.delta.NewLinks = append(tx.delta.NewLinks, Link{From: src, To: id})
	}
	delete(s.dangling, id)
}

func (s *Store) addTag(tag, id string) {
	set, ok := s.tags[tag]
	if !ok {
		set = map[string]struct{}{}
		s.tags[tag] = set
	}
	set[id] = struct{}{}
}

func (s *Store) dropTag(tag, id string) {
	if set, ok := s.tags[tag]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.tags, tag)
		}
	}
}

func (s *Store) addDangling(target, src string) {
	set, ok := s.dangling[target]
	if !ok {
		set = map[string]struct{}{}
		s.dangling[target] = set
	}
	set[src] = struct{}{}
}

func (s *Store) dropDangling(target, src string) {
	if set, ok := s.dangling[target]; ok {
		delete(set, src)
		if len(set) == 0 {
			delete(s.dangling, target)
		}
	}
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (s *Store) resolvedOutgoing(st *nodeState) []string {
	var out []string
	for _, t := range st.rec.Outgoing {
		if _, ok := s.nodes[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) copyRec(st *nodeState) Node {
	rec := st.rec
	rec.Tags = append([]string(nil), st.rec.Tags...)
	rec.Outgoing = append([]string(nil), st.rec.Outgoing...)
	rec.NumLinks = len(s.resolvedOutgoing(st))
	return rec
}

// GetNode returns a copy of the node record.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return s.copyRec(st), true
}

// Direction selects an adjacency side.
type Direction int

const (
	Out Direction = iota
	In
)

// Adjacent returns the resolved neighbors of id. Outgoing neighbors keep
// document order; incoming neighbors are sorted for determinism.
func (s *Store) Adjacent(id string, dir Direction) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.nodes[id]
	if !ok {
		return nil
	}
	if dir == Out {
		return s.resolvedOutgoing(st)
	}
	out := make([]string, 0, len(st.incoming))
	for src := range st.incoming {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Tags returns the tag universe, sorted.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tags))
	for t := range s.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TagNodes returns the ids carrying the tag, sorted.
func (s *Store) TagNodes(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.tags[tag]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DanglingLinks returns the current dangling side-set as (source, target
// key) pairs, sorted.
func (s *Store) DanglingLinks() []Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Link
	for target, srcs := range s.dangling {
		for src := range srcs {
			out = append(out, Link{From: src, To: target})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// FileNodes returns the stored node ASTs contributed by one file, in
// document order. The ASTs are shared, not copied; callers treat them as
// read-only. The result reconstructs enough of the parse result for
// file-scope rendering.
func (s *Store) FileNodes(path string) []*org.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*nodeState
	for _, st := range s.nodes {
		if st.rec.File == path {
			recs = append(recs, st)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].rec.Span.Start < recs[j].rec.Span.Start
	})
	out := make([]*org.Node, 0, len(recs))
	for _, st := range recs {
		if st.rec.AST != nil {
			out = append(out, st.rec.AST)
		}
	}
	return out
}

// Snapshot copies the filtered subgraph under a consistent point in time.
func (s *Store) Snapshot(f Filter) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	none := map[string]struct{}{}
	for _, t := range f.TagsNone {
		none[t] = struct{}{}
	}

	included := map[string]*nodeState{}
	if len(f.TagsAny) > 0 {
		for _, t := range f.TagsAny {
			for id := range s.tags[t] {
				included[id] = s.nodes[id]
			}
		}
	} else {
		for id, st := range s.nodes {
			included[id] = st
		}
	}

	var snap Snapshot
	for id, st := range included {
		excluded := false
		for _, t := range st.rec.Tags {
			if _, drop := none[t]; drop {
				excluded = true
				break
			}
		}
		if excluded {
			delete(included, id)
			continue
		}
		snap.Nodes = append(snap.Nodes, s.copyRec(st))
	}

	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	for _, rec := range snap.Nodes {
		st := s.nodes[rec.ID]
		for _, t := range st.rec.Outgoing {
			if _, ok := included[t]; ok {
				snap.Links = append(snap.Links, Link{From: rec.ID, To: t})
			}
		}
	}
	return snap
}
