package search

import (
	"context"
	"strings"

	"github.com/orgmap/orgmap/pkg/fts"
	"github.com/orgmap/orgmap/pkg/graph"
)

// Baseline provider ids. The registry is fixed; ids are part of the push
// protocol's SearchConfigurationResponse.
const (
	ProviderFullText    = 1
	ProviderTitlePrefix = 2
	ProviderTagExact    = 3
)

const fullTextLimit = 50

// FullTextProvider searches the bleve index and decorates hits with the
// graph's current title and tags.
type FullTextProvider struct {
	Index *fts.Index
	Store *graph.Store
}

func (p *FullTextProvider) ID() int      { return ProviderFullText }
func (p *FullTextProvider) Name() string { return "full-text" }

func (p *FullTextProvider) Search(ctx context.Context, query string, emit func(Hit)) error {
	hits, err := p.Index.Search(query, fullTextLimit)
	if err != nil {
		return err
	}
	for _, h := range hits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, ok := p.Store.GetNode(h.ID)
		if !ok {
			// The node vanished between index read and graph read.
			continue
		}
		emit(Hit{Provider: p.ID(), ID: h.ID, Title: rec.Title, Tags: rec.Tags})
	}
	return nil
}

// TitlePrefixProvider matches node titles by case-insensitive prefix over a
// graph snapshot.
type TitlePrefixProvider struct {
	Store *graph.Store
}

func (p *TitlePrefixProvider) ID() int      { return ProviderTitlePrefix }
func (p *TitlePrefixProvider) Name() string { return "prefix-title" }

func (p *TitlePrefixProvider) Search(ctx context.Context, query string, emit func(Hit)) error {
	prefix := strings.ToLower(strings.TrimSpace(query))
	if prefix == "" {
		return nil
	}
	snap := p.Store.Snapshot(graph.Filter{})
	for _, n := range snap.Nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.HasPrefix(strings.ToLower(n.Title), prefix) {
			emit(Hit{Provider: p.ID(), ID: n.ID, Title: n.Title, Tags: n.Tags})
		}
	}
	return nil
}

// TagExactProvider matches nodes carrying the query as an exact tag.
type TagExactProvider struct {
	Store *graph.Store
}

func (p *TagExactProvider) ID() int      { return ProviderTagExact }
func (p *TagExactProvider) Name() string { return "tag-exact" }

func (p *TagExactProvider) Search(ctx context.Context, query string, emit func(Hit)) error {
	tag := strings.TrimSpace(query)
	if tag == "" {
		return nil
	}
	for _, id := range p.Store.TagNodes(tag) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, ok := p.Store.GetNode(id)
		if !ok {
			continue
		}
		emit(Hit{Provider: p.ID(), ID: id, Title: rec.Title, Tags: rec.Tags})
	}
	return nil
}
