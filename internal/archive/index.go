package archive

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
)

// Document is the searchable form of a finished run.
type Document struct {
	RunID     string    `json:"run_id"`
	Org       string    `json:"org"`
	Query     string    `json:"query"`
	Final     string    `json:"final"`
	Stages    string    `json:"stages"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is one search result.
type Hit struct {
	RunID string  `json:"run_id"`
	Query string  `json:"query"`
	Score float64 `json:"score"`
}

// Index keeps finished runs in a bleve full-text index.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	meta  map[string]Document
}

// NewMemOnly builds an index that lives only in memory.
func NewMemOnly() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: idx, meta: make(map[string]Document)}, nil
}

// Open opens the index at path, creating it when missing. An empty path
// yields an in-memory index.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return NewMemOnly()
	}
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open archive index %s: %w", path, err)
	}
	return &Index{bleve: idx, meta: make(map[string]Document)}, nil
}

// Add indexes or replaces a run document.
func (i *Index) Add(doc Document) error {
	if doc.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.meta[doc.RunID] = doc
	return i.bleve.Index(doc.RunID, doc)
}

// Search runs a query string query, optionally restricted to one org.
func (i *Index) Search(q, org string, limit int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("query is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), limit*3, 0, false)
	req.Fields = []string{"org", "query"}
	res, err := i.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Hit, 0, limit)
	for _, h := range res.Hits {
		doc, ok := i.meta[h.ID]
		if !ok {
			// persisted from an earlier process
			doc.Org, _ = h.Fields["org"].(string)
			doc.Query, _ = h.Fields["query"].(string)
		}
		if org != "" && doc.Org != org {
			continue
		}
		out = append(out, Hit{RunID: h.ID, Query: doc.Query, Score: h.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (i *Index) Close() error { return i.bleve.Close() }
