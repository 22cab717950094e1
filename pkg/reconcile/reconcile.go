// Package reconcile drives change application: it re-parses files reported
// changed, diffs the result against the metadata store, commits one
// transaction per file, mirrors the outcome into the in-memory graph and the
// full-text index, and publishes the client-visible delta on the event bus.
//
// All writes flow through a single Run loop, so commits are totally ordered
// and the in-memory stores only ever see one writer.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/orgmap/orgmap/pkg/bus"
	"github.com/orgmap/orgmap/pkg/fts"
	"github.com/orgmap/orgmap/pkg/graph"
	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/meta"
	"github.com/orgmap/orgmap/pkg/org"
	"github.com/orgmap/orgmap/pkg/protocol"
)

const queueSize = 256

// Reconciler owns the write path over all three stores.
type Reconciler struct {
	meta   *meta.Store
	graph  *graph.Store
	index  *fts.Index
	bus    *bus.Bus
	logger *slog.Logger

	queue   chan string
	pending atomic.Int64

	// force reindexes files even when their content hash is unchanged.
	// Set when the full-text index came up empty against a populated
	// metadata store.
	force atomic.Bool
}

// New wires a reconciler over the stores. A nil bus or logger is allowed.
func New(m *meta.Store, g *graph.Store, idx *fts.Index, b *bus.Bus, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Reconciler{
		meta:   m,
		graph:  g,
		index:  idx,
		bus:    b,
		logger: logger,
		queue:  make(chan string, queueSize),
	}
}

// Enqueue schedules one path for reconciliation. Safe from any goroutine.
func (r *Reconciler) Enqueue(path string) {
	r.pending.Add(1)
	r.queue <- path
}

// Pending reports whether reconciliation work is queued or in progress.
func (r *Reconciler) Pending() bool {
	return r.pending.Load() > 0
}

// Run processes the queue until ctx is cancelled. It is the only goroutine
// that writes to any store.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-r.queue:
			if err := r.ReconcileFile(ctx, path); err != nil {
				r.logger.Error("reconcile failed", "path", path, "err", err)
			}
			r.pending.Add(-1)
		}
	}
}

// Rebuild reconstructs the in-memory graph from the metadata store. When the
// full-text index's document count does not match the node count (e.g.
// after the index directory was deleted) it logs that and sets the
// reconciler's force flag.
func (r *Reconciler) Rebuild(ctx context.Context) error {
	files, nodes, err := r.meta.LoadAll(ctx)
	if err != nil {
		return err
	}

	r.graph.Batch(func(tx *graph.Tx) {
		for _, n := range nodes {
			tx.UpsertNode(graph.Node{
				ID:       n.ID,
				Title:    n.Title,
				ParentID: n.ParentID,
				File:     n.File,
				Span:     org.Span{Start: n.ByteStart, End: n.ByteEnd},
				Tags:     n.Tags,
			})
		}
		for _, n := range nodes {
			tx.ReplaceOutgoing(n.ID, n.Links)
		}
	})

	count, err := r.index.Count()
	if err != nil {
		return err
	}
	if int(count) != len(nodes) {
		r.logger.Info("full-text index out of sync, forcing reindex",
			"indexed", count, "nodes", len(nodes))
		r.force.Store(true)
	}

	r.logger.Info("graph rebuilt from metadata store",
		"files", len(files), "nodes", len(nodes))
	return nil
}

// Scan reconciles every outline file under root, lexicographically. Used at
// startup so the first snapshot is complete without waiting for disk
// events. ASTs for unchanged files are reloaded from disk as a side effect.
func (r *Reconciler) Scan(ctx context.Context, root string) error {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if IsOutlineFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	// The graph was rebuilt without body ASTs; parse everything once so
	// rendering and rasterization have content, regardless of hashes.
	r.force.Store(true)
	defer r.force.Store(false)

	for _, p := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.ReconcileFile(ctx, p); err != nil {
			r.logger.Error("initial scan reconcile failed", "path", p, "err", err)
		}
	}

	// Anything recorded in the metadata store but gone from disk was
	// deleted while the process was down.
	files, _, err := r.meta.LoadAll(ctx)
	if err != nil {
		return err
	}
	onDisk := map[string]bool{}
	for _, p := range paths {
		onDisk[p] = true
	}
	for _, f := range files {
		if !onDisk[f.Path] {
			if err := r.ReconcileFile(ctx, f.Path); err != nil {
				r.logger.Error("initial scan delete failed", "path", f.Path, "err", err)
			}
		}
	}
	return nil
}

// IsOutlineFile reports whether the path looks like a corpus document.
func IsOutlineFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".org")
}

// ReconcileFile runs the full loop for one path: read, hash-compare, parse,
// diff, commit, mirror, publish. A missing file is treated as a deletion.
func (r *Reconciler) ReconcileFile(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	deleted := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		deleted = true
		src = nil
	}

	prevFile, existed, err := r.meta.GetFile(ctx, path)
	if err != nil {
		return err
	}

	if deleted && !existed {
		return nil
	}

	hash := contentHash(src)
	if deleted {
		return r.removeFile(ctx, path)
	}
	if existed && prevFile.ContentHash == hash && !r.force.Load() {
		return nil
	}

	doc, err := org.Parse(path, src)
	if err != nil {
		// Fatal parse error: the store keeps the file's previous state.
		r.logger.Warn("parse failed", "path", path, "err", err)
		r.publish(protocol.NewParseError(path, err.Error()))
		return nil
	}
	for _, w := range doc.Warnings {
		r.logger.Warn("parse warning", "path", path, "warning", w)
	}

	newNodes, err := r.applyDuplicatePolicy(ctx, path, doc)
	if err != nil {
		return err
	}

	oldNodes, err := r.meta.FileNodes(ctx, path)
	if err != nil {
		return err
	}

	added, updated, removed := diffNodes(oldNodes, newNodes)

	commit := meta.Commit{
		File: meta.FileRecord{
			Path:        path,
			MTime:       fileMTime(path),
			ContentHash: hash,
			Warning:     strings.Join(doc.Warnings, "; "),
		},
		Removed: removed,
		Upserts: newNodes,
	}
	if err := r.commitWithRetry(ctx, path, commit); err != nil {
		return err
	}

	delta := r.mirror(doc, newNodes, removed)
	r.publishGraphUpdate(added, updated, removed, delta)
	return nil
}

func (r *Reconciler) removeFile(ctx context.Context, path string) error {
	oldNodes, err := r.meta.FileNodes(ctx, path)
	if err != nil {
		return err
	}
	removed := make([]string, 0, len(oldNodes))
	for _, n := range oldNodes {
		removed = append(removed, n.ID)
	}

	commit := meta.Commit{
		File:       meta.FileRecord{Path: path},
		DeleteFile: true,
		Removed:    removed,
	}
	if err := r.commitWithRetry(ctx, path, commit); err != nil {
		return err
	}

	var delta graph.Delta
	if len(removed) > 0 {
		delta = r.graph.Batch(func(tx *graph.Tx) {
			for _, id := range removed {
				tx.RemoveNode(id)
			}
		})
		for _, id := range removed {
			if err := r.index.Remove(id); err != nil {
				r.logger.Error("index remove failed", "id", id, "err", err)
			}
		}
	}
	r.publishGraphUpdate(nil, nil, removed, delta)
	return nil
}

// applyDuplicatePolicy converts parse output into metadata records, dropping
// nodes whose id is already owned by a lexicographically earlier file.
func (r *Reconciler) applyDuplicatePolicy(ctx context.Context, path string, doc *org.Document) ([]meta.NodeRecord, error) {
	var out []meta.NodeRecord
	for _, n := range doc.Nodes {
		owner, owned, err := r.meta.NodeOwner(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if owned && owner != path && owner < path {
			r.logger.Warn("duplicate node id dropped",
				"id", n.ID, "path", path, "owner", owner)
			continue
		}
		out = append(out, meta.NodeRecord{
			ID:        n.ID,
			Title:     n.Title,
			File:      path,
			ParentID:  n.ParentID,
			ByteStart: n.Span.Start,
			ByteEnd:   n.Span.End,
			BodyHash:  bodyHash(n),
			Tags:      sortedTags(n.Tags),
			Links:     linkTargets(n.Links),
		})
	}
	return out, nil
}

func (r *Reconciler) commitWithRetry(ctx context.Context, path string, c meta.Commit) error {
	err := r.meta.ApplyCommit(ctx, c)
	if err == nil {
		return nil
	}
	r.logger.Warn("metadata commit failed, retrying", "path", path, "err", err)
	if err = r.meta.ApplyCommit(ctx, c); err == nil {
		return nil
	}
	// The in-memory stores stay untouched for this file.
	r.logger.Error("metadata commit failed twice, aborting file", "path", path, "err", err)
	r.publish(protocol.NewStoreError(path))
	return err
}

// mirror applies the committed records to the graph store and the full-text
// index. Every parsed node is upserted so ASTs and spans stay fresh even
// when only offsets moved.
func (r *Reconciler) mirror(doc *org.Document, records []meta.NodeRecord, removed []string) graph.Delta {
	byID := map[string]*org.Node{}
	for _, n := range doc.Nodes {
		byID[n.ID] = n
	}

	delta := r.graph.Batch(func(tx *graph.Tx) {
		for _, id := range removed {
			tx.RemoveNode(id)
		}
		for _, rec := range records {
			ast := byID[rec.ID]
			tx.UpsertNode(graph.Node{
				ID:       rec.ID,
				Title:    rec.Title,
				ParentID: rec.ParentID,
				File:     rec.File,
				Span:     org.Span{Start: rec.ByteStart, End: rec.ByteEnd},
				Tags:     rec.Tags,
				AST:      ast,
			})
		}
		for _, rec := range records {
			tx.ReplaceOutgoing(rec.ID, rec.Links)
		}
	})

	for _, id := range removed {
		if err := r.index.Remove(id); err != nil {
			r.logger.Error("index remove failed", "id", id, "err", err)
		}
	}
	for _, rec := range records {
		doc := fts.Doc{Title: rec.Title, Tags: rec.Tags}
		if ast := byID[rec.ID]; ast != nil {
			doc.Body = plaintext(ast)
		}
		if err := r.index.Upsert(rec.ID, doc); err != nil {
			r.logger.Error("index upsert failed", "id", rec.ID, "err", err)
		}
	}
	return delta
}

func (r *Reconciler) publishGraphUpdate(added, updated, removed []string, delta graph.Delta) {
	gu := protocol.NewGraphUpdate()
	for _, id := range added {
		gu.NewNodes = append(gu.NewNodes, r.nodeRecord(id))
	}
	for _, id := range updated {
		gu.UpdatedNodes = append(gu.UpdatedNodes, r.nodeRecord(id))
	}
	gu.RemovedNodes = removed
	for _, l := range delta.NewLinks {
		gu.NewLinks = append(gu.NewLinks, protocol.Link{From: l.From, To: l.To})
	}
	for _, l := range delta.RemovedLinks {
		gu.RemovedLinks = append(gu.RemovedLinks, protocol.Link{From: l.From, To: l.To})
	}

	// Links resolved for nodes in other files surface their sources as
	// updated (their degree changed).
	seen := map[string]bool{}
	for _, id := range added {
		seen[id] = true
	}
	for _, id := range updated {
		seen[id] = true
	}
	for _, l := range delta.NewLinks {
		if !seen[l.From] {
			seen[l.From] = true
			gu.UpdatedNodes = append(gu.UpdatedNodes, r.nodeRecord(l.From))
		}
	}

	if gu.IsEmpty() {
		return
	}
	r.publish(gu)
}

func (r *Reconciler) nodeRecord(id string) protocol.NodeRecord {
	rec, ok := r.graph.GetNode(id)
	if !ok {
		return protocol.NodeRecord{ID: id}
	}
	return protocol.NodeRecord{
		ID:       rec.ID,
		Title:    rec.Title,
		ParentID: rec.ParentID,
		NumLinks: rec.NumLinks,
	}
}

func (r *Reconciler) publish(msg protocol.Message) {
	if r.bus != nil {
		r.bus.Publish(msg)
	}
}

// diffNodes computes the added / updated / removed id sets between the
// stored records and the fresh parse.
func diffNodes(old, fresh []meta.NodeRecord) (added, updated, removed []string) {
	oldByID := map[string]meta.NodeRecord{}
	for _, n := range old {
		oldByID[n.ID] = n
	}
	newByID := map[string]bool{}
	for _, n := range fresh {
		newByID[n.ID] = true
	}

	for _, n := range fresh {
		prev, ok := oldByID[n.ID]
		if !ok {
			added = append(added, n.ID)
			continue
		}
		if prev.Title != n.Title ||
			prev.BodyHash != n.BodyHash ||
			!equalStrings(prev.Tags, n.Tags) ||
			!equalStrings(prev.Links, n.Links) {
			updated = append(updated, n.ID)
		}
	}
	for _, n := range old {
		if !newByID[n.ID] {
			removed = append(removed, n.ID)
		}
	}
	sort.Strings(added)
	sort.Strings(updated)
	sort.Strings(removed)
	return added, updated, removed
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// bodyHash fingerprints everything that affects a node's rendered content.
func bodyHash(n *org.Node) string {
	h := sha256.New()
	for _, b := range n.Body {
		writeBlock(h, b)
	}
	for _, l := range n.Latex {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeBlock(h hash.Hash, b org.Block) {
	switch blk := b.(type) {
	case org.Paragraph:
		for _, in := range blk.Inlines {
			switch v := in.(type) {
			case org.Text:
				h.Write([]byte(v.Value))
			case org.IDLink:
				h.Write([]byte("[" + v.Target + "|" + v.Display + "]"))
			}
		}
	case org.Heading:
		h.Write([]byte("#" + blk.Title + strings.Join(blk.Tags, ":")))
	case org.SrcBlock:
		h.Write([]byte("src:" + blk.Lang + ":" + blk.Code))
	case org.LatexBlock:
		h.Write([]byte("latex"))
	case org.CustomBlock:
		h.Write([]byte("block:" + blk.Keyword))
		for _, inner := range blk.Body {
			writeBlock(h, inner)
		}
	}
	h.Write([]byte{10})
}

func linkTargets(links []org.Link) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range links {
		if seen[l.Target] {
			continue
		}
		seen[l.Target] = true
		out = append(out, l.Target)
	}
	return out
}

func sortedTags(tags []string) []string {
	out := append([]string(nil), tags...)
	sort.Strings(out)
	return out
}

// plaintext flattens a node's body for full-text indexing.
func plaintext(n *org.Node) string {
	var sb strings.Builder
	var walk func([]org.Block)
	walk = func(blocks []org.Block) {
		for _, b := range blocks {
			switch blk := b.(type) {
			case org.Paragraph:
				for _, in := range blk.Inlines {
					switch v := in.(type) {
					case org.Text:
						sb.WriteString(v.Value)
					case org.IDLink:
						sb.WriteString(v.Display)
					}
				}
				sb.WriteString("\n")
			case org.Heading:
				sb.WriteString(blk.Title)
				sb.WriteString("\n")
			case org.SrcBlock:
				sb.WriteString(blk.Code)
				sb.WriteString("\n")
			case org.CustomBlock:
				walk(blk.Body)
			}
		}
	}
	walk(n.Body)
	return sb.String()
}

func fileMTime(path string) time.Time {
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime()
	}
	return time.Time{}
}
