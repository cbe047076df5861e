// Package knowledge exposes the persistent research index as a query tool.
// Collections are bleve indexes on disk, one directory per collection,
// populated by the ingestion tooling outside this engine.
package knowledge

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve"
)

// Hit is one ranked excerpt from a collection.
type Hit struct {
	Source  string  `json:"source"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// Document is the unit of ingestion.
type Document struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Excerpt string `json:"excerpt"`
}

// Store opens collections lazily and keeps them open for reuse.
type Store struct {
	root   string
	logger *log.Logger
	opened map[string]bleve.Index
}

// NewStore creates a store rooted at dir. The directory is created on first
// ingest, not here; querying a store with no root yields empty results.
func NewStore(root string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[KNOWLEDGE] ", log.LstdFlags)
	}
	return &Store{root: root, logger: logger, opened: make(map[string]bleve.Index)}
}

func (s *Store) collectionPath(collection string) string {
	return filepath.Join(s.root, filepath.Base(collection))
}

func (s *Store) open(collection string) (bleve.Index, bool, error) {
	if idx, ok := s.opened[collection]; ok {
		return idx, true, nil
	}
	path := s.collectionPath(collection)
	if _, err := os.Stat(path); err != nil {
		return nil, false, nil
	}
	idx, err := bleve.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open collection %s: %w", collection, err)
	}
	s.opened[collection] = idx
	return idx, true, nil
}

// Query searches a collection. A collection that was never ingested is not
// an error: callers get zero hits and a note telling them to ingest first.
func (s *Store) Query(ctx context.Context, collection, text string, topK int) ([]Hit, string, error) {
	if topK < 1 {
		topK = 5
	}
	idx, ok, err := s.open(collection)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		note := fmt.Sprintf("collection %q not found; run ingestion first", collection)
		s.logger.Printf("query on missing collection %q", collection)
		return nil, note, nil
	}

	query := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequestOptions(query, topK, 0, false)
	req.Fields = []string{"source", "excerpt"}
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("search collection %s: %w", collection, err)
	}

	var hits []Hit
	for _, h := range res.Hits {
		hit := Hit{Score: h.Score}
		if v, ok := h.Fields["source"].(string); ok {
			hit.Source = v
		}
		if v, ok := h.Fields["excerpt"].(string); ok {
			hit.Excerpt = v
		}
		hits = append(hits, hit)
	}
	return hits, "", nil
}

// Ingest indexes documents into a collection, creating it if needed. Used by
// the demo tool server and tests; the production pipeline writes the same
// layout.
func (s *Store) Ingest(ctx context.Context, collection string, docs []Document) error {
	idx, ok, err := s.open(collection)
	if err != nil {
		return err
	}
	if !ok {
		if err := os.MkdirAll(s.root, 0o755); err != nil {
			return fmt.Errorf("mkdir knowledge root: %w", err)
		}
		idx, err = bleve.New(s.collectionPath(collection), bleve.NewIndexMapping())
		if err != nil {
			return fmt.Errorf("create collection %s: %w", collection, err)
		}
		s.opened[collection] = idx
	}
	batch := idx.NewBatch()
	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("doc-%d", i)
		}
		if err := batch.Index(id, map[string]interface{}{"source": d.Source, "excerpt": d.Excerpt}); err != nil {
			return fmt.Errorf("batch index: %w", err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("ingest %d docs into %s: %w", len(docs), collection, err)
	}
	return nil
}

// Close releases all opened collections.
func (s *Store) Close() error {
	var first error
	for name, idx := range s.opened {
		if err := idx.Close(); err != nil && first == nil {
			first = fmt.Errorf("close collection %s: %w", name, err)
		}
		delete(s.opened, name)
	}
	return first
}
