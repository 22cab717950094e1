// Package fts is the full-text index over node titles, body plaintext, and
// tags. It wraps a bleve index kept in its own on-disk directory under the
// state dir; Open reuses an existing index directory, so the index survives
// restarts.
package fts

import (
	"errors"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
)

// ErrIndex is the sentinel for index failures.
var ErrIndex = errors.New("fts: index error")

// Doc is the indexed projection of one graph node.
type Doc struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
}

// Hit is one ranked search result.
type Hit struct {
	ID      string
	Score   float64
	Snippet string
}

// Index wraps the bleve index handle.
type Index struct {
	idx bleve.Index
}

func indexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("title", title)

	body := bleve.NewTextFieldMapping()
	body.Store = true // stored for snippet extraction
	doc.AddFieldMappingsAt("body", body)

	tags := bleve.NewTextFieldMapping()
	tags.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("tags", tags)

	m.DefaultMapping = doc
	return m
}

// Open opens the index directory, creating it when absent.
func Open(dir string) (*Index, error) {
	idx, err := bleve.Open(dir)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(dir, indexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIndex, dir, err)
	}
	return &Index{idx: idx}, nil
}

// OpenMemory creates an in-memory index. Used by tests.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(indexMapping())
	if err != nil {
		return nil, fmt.Errorf("%w: open in-memory: %v", ErrIndex, err)
	}
	return &Index{idx: idx}, nil
}

// Close flushes and closes the index.
func (i *Index) Close() error {
	return i.idx.Close()
}

// Upsert inserts or replaces the document record for a node id. Indexing the
// same id twice keeps exactly one record.
func (i *Index) Upsert(id string, d Doc) error {
	if err := i.idx.Index(id, d); err != nil {
		return fmt.Errorf("%w: index %s: %v", ErrIndex, id, err)
	}
	return nil
}

// Remove drops the document record for a node id. Removing an unknown id is
// a no-op.
func (i *Index) Remove(id string) error {
	if err := i.idx.Delete(id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrIndex, id, err)
	}
	return nil
}

// Count reports the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	n, err := i.idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("%w: doc count: %v", ErrIndex, err)
	}
	return n, nil
}

// Search runs a ranked relevance query. Titles weigh double; score ties
// break by id ascending.
func (i *Index) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}

	titleQ := bleve.NewMatchQuery(query)
	titleQ.SetField("title")
	titleQ.SetBoost(2.0)

	bodyQ := bleve.NewMatchQuery(query)
	bodyQ.SetField("body")

	tagQ := bleve.NewTermQuery(query)
	tagQ.SetField("tags")

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(titleQ, bodyQ, tagQ), limit, 0, false)
	req.Highlight = bleve.NewHighlight()
	req.SortBy([]string{"-_score", "_id"})

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", ErrIndex, query, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Snippet: snippet(h)})
	}
	return hits, nil
}

func snippet(h *search.DocumentMatch) string {
	for _, field := range []string{"body", "title"} {
		if frags, ok := h.Fragments[field]; ok && len(frags) > 0 {
			return frags[0]
		}
	}
	return ""
}
