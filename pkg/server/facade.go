// Package server exposes the core to the transport layer: a narrow Facade
// holding no business logic of its own, plus the thin HTTP/WebSocket shell
// that frames it. Everything behind the Facade is owned by the component
// packages; everything in front of it (framing, TLS, auth) belongs to the
// deployment.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"log/slog"

	"github.com/orgmap/orgmap/pkg/bus"
	"github.com/orgmap/orgmap/pkg/graph"
	"github.com/orgmap/orgmap/pkg/latex"
	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/org"
	"github.com/orgmap/orgmap/pkg/orghtml"
	"github.com/orgmap/orgmap/pkg/protocol"
	"github.com/orgmap/orgmap/pkg/reconcile"
	"github.com/orgmap/orgmap/pkg/search"
)

// ErrNotFound is returned for operations addressing an unknown node.
var ErrNotFound = errors.New("server: node not found")

// Facade is the operation surface invoked by the transport layer.
type Facade struct {
	Graph      *graph.Store
	Renderer   *orghtml.Renderer
	Latex      *latex.Rasterizer
	Dispatcher *search.Dispatcher
	Reconciler *reconcile.Reconciler
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// GraphSnapshot is the point-in-time answer to snapshot_graph.
type GraphSnapshot struct {
	Nodes []protocol.NodeRecord `json:"nodes"`
	Links []protocol.Link       `json:"links"`
}

// SnapshotGraph returns the filtered graph at one point in time.
func (f *Facade) SnapshotGraph(tagsAny, tagsNone []string) GraphSnapshot {
	snap := f.Graph.Snapshot(graph.Filter{TagsAny: tagsAny, TagsNone: tagsNone})
	out := GraphSnapshot{
		Nodes: make([]protocol.NodeRecord, 0, len(snap.Nodes)),
		Links: make([]protocol.Link, 0, len(snap.Links)),
	}
	for _, n := range snap.Nodes {
		out.Nodes = append(out.Nodes, protocol.NodeRecord{
			ID:       n.ID,
			Title:    n.Title,
			ParentID: n.ParentID,
			NumLinks: n.NumLinks,
		})
	}
	for _, l := range snap.Links {
		out.Links = append(out.Links, protocol.Link{From: l.From, To: l.To})
	}
	return out
}

// RenderedDocument is the answer to render_document.
type RenderedDocument struct {
	HTML          string          `json:"html"`
	OutgoingLinks []OutgoingLink  `json:"outgoing_links"`
	IncomingLinks []protocol.Link `json:"incoming_links"`
	LatexBlocks   []string        `json:"latex_blocks"`
	Tags          []string        `json:"tags"`
}

// OutgoingLink pairs a link's display text with its target.
type OutgoingLink struct {
	Display string `json:"display"`
	Target  string `json:"target"`
}

// RenderDocument renders the addressed node (or its whole file).
func (f *Facade) RenderDocument(id string, scope orghtml.Scope) (*RenderedDocument, error) {
	rec, ok := f.Graph.GetNode(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Reassemble the file's parse result from the graph's ASTs.
	doc := &org.Document{Path: rec.File, Nodes: f.Graph.FileNodes(rec.File)}
	res, err := f.Renderer.Render(doc, id, scope)
	if err != nil {
		if errors.Is(err, orghtml.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	out := &RenderedDocument{
		HTML:          res.HTML,
		OutgoingLinks: make([]OutgoingLink, 0, len(res.Links)),
		IncomingLinks: []protocol.Link{},
		LatexBlocks:   res.Latex,
		Tags:          rec.Tags,
	}
	for _, l := range res.Links {
		out.OutgoingLinks = append(out.OutgoingLinks, OutgoingLink{Display: l.Display, Target: l.Target})
	}
	for _, src := range f.Graph.Adjacent(id, graph.In) {
		out.IncomingLinks = append(out.IncomingLinks, protocol.Link{From: src, To: id})
	}
	return out, nil
}

// RenderLatex rasterizes one LaTeX block to SVG bytes.
func (f *Facade) RenderLatex(ctx context.Context, id string, index int, color string) ([]byte, error) {
	return f.Latex.Rasterize(ctx, id, index, color)
}

// Search fans a query out to all providers; hits stream through emit tagged
// with the request id. A newer query from the same caller supersedes.
func (f *Facade) Search(ctx context.Context, query, requestID, callerID string, emit search.EmitFunc) {
	f.Dispatcher.Dispatch(ctx, callerID, requestID, query, emit)
}

// SearchConfiguration lists the provider registry.
func (f *Facade) SearchConfiguration() []protocol.ProviderInfo {
	return f.Dispatcher.Providers()
}

// ListTags returns the sorted tag universe.
func (f *Facade) ListTags() []string {
	tags := f.Graph.Tags()
	sort.Strings(tags)
	return tags
}

// EditorHintOpened publishes a node_visited event plus a status update
// carrying the visited node.
func (f *Facade) EditorHintOpened(id string) {
	f.Bus.Publish(protocol.NewNodeVisited(id))
	st := f.status()
	st.VisitedNode = id
	f.Bus.Publish(st)
}

// EditorHintModified enqueues reconciliation for a path the editor reports
// changed.
func (f *Facade) EditorHintModified(path string) {
	f.Reconciler.Enqueue(path)
}

// Status is the periodic status_update payload.
func (f *Facade) Status() protocol.StatusUpdate {
	return f.status()
}

func (f *Facade) status() protocol.StatusUpdate {
	st := protocol.NewStatusUpdate()
	st.PendingChanges = f.Reconciler.Pending()
	return st
}

func (f *Facade) logger() *slog.Logger {
	if f.Logger == nil {
		return log.NewNop()
	}
	return f.Logger
}
