// Package keyword maintains a bleve BM25 index over chunk text. It is the
// lexical half of hybrid retrieval; the pipeline mirrors every committed
// chunk into it and removes tombstoned ones.
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Entry is one chunk to index.
type Entry struct {
	ChunkID    string
	DocumentID string
	ProjectID  string
	SourceType string
	Content    string
	Title      string
}

// Hit is a BM25 match.
type Hit struct {
	ChunkID string
	Score   float64
}

type bleveChunk struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id"`
	SourceType string `json:"source_type"`
}

// Index wraps a bleve index keyed by chunk id.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
	logger *slog.Logger
}

// Open opens or creates the index at path; an empty path yields an
// in-memory index. An unreadable on-disk index is cleared and rebuilt on
// the next ingest rather than failing the run.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := buildMapping()
	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create keyword index dir: %w", err)
		}
		idx, err = bleve.Open(path)
		switch {
		case err == bleve.ErrorIndexPathDoesNotExist:
			idx, err = bleve.New(path, m)
		case err != nil:
			logger.Warn("keyword index unreadable, rebuilding",
				slog.String("path", path), slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("clear keyword index: %w", rmErr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	return &Index{index: idx, logger: logger}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()

	chunk := bleve.NewDocumentMapping()
	content := bleve.NewTextFieldMapping()
	chunk.AddFieldMappingsAt("content", content)
	title := bleve.NewTextFieldMapping()
	chunk.AddFieldMappingsAt("title", title)

	// Identity fields match exactly, never analyzed.
	for _, field := range []string{"project_id", "document_id", "source_type"} {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		chunk.AddFieldMappingsAt(field, fm)
	}

	m.DefaultMapping = chunk
	return m
}

// IndexChunks upserts entries in one batch.
func (i *Index) IndexChunks(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := i.index.NewBatch()
	for _, e := range entries {
		doc := bleveChunk{
			Content:    e.Content,
			Title:      e.Title,
			ProjectID:  e.ProjectID,
			DocumentID: e.DocumentID,
			SourceType: e.SourceType,
		}
		if err := batch.Index(e.ChunkID, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", e.ChunkID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("keyword batch: %w", err)
	}
	return nil
}

// DeleteChunks removes entries in one batch.
func (i *Index) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := i.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("keyword delete batch: %w", err)
	}
	return nil
}

// Search runs a BM25 match query over content and title, optionally scoped
// to the given projects.
func (i *Index) Search(ctx context.Context, text string, limit int, projectIDs []string) ([]Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	content := bleve.NewMatchQuery(text)
	content.SetField("content")
	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	var q query.Query = bleve.NewDisjunctionQuery(content, title)

	if len(projectIDs) > 0 {
		var projects []query.Query
		for _, id := range projectIDs {
			tq := bleve.NewTermQuery(id)
			tq.SetField("project_id")
			projects = append(projects, tq)
		}
		q = bleve.NewConjunctionQuery(q, bleve.NewDisjunctionQuery(projects...))
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, Hit{ChunkID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Count returns the number of indexed chunks.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}
	return i.index.DocCount()
}

func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.index.Close()
}
