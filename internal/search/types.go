// Package search implements the retrieval engine behind the MCP tools:
// hybrid semantic+keyword search, hierarchy and attachment views, and the
// cross-document analyses (relationships, similarity, conflicts,
// complementary content, clustering). All scoring is deterministic given
// the candidate set.
package search

import (
	"context"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/thanhbn/qdrant-loader-sub001/internal/keyword"
	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

// Vectors is the slice of the vector store the engine reads from.
type Vectors interface {
	Search(ctx context.Context, vector []float32, k int, f *pb.Filter) ([]vectorstore.ScoredPoint, error)
	Retrieve(ctx context.Context, chunkIDs []string) ([]vectorstore.ScoredPoint, error)
}

// Keyword is the lexical half of hybrid retrieval. Nil disables fusion.
type Keyword interface {
	Search(ctx context.Context, text string, limit int, projectIDs []string) ([]keyword.Hit, error)
}

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Weights are the composite-similarity weights used by the cross-document
// tools. They should sum to 1.
type Weights struct {
	Entity    float64
	Topic     float64
	Metadata  float64
	Hierarchy float64
}

// DefaultWeights are the documented defaults.
func DefaultWeights() Weights {
	return Weights{Entity: 0.30, Topic: 0.30, Metadata: 0.20, Hierarchy: 0.20}
}

// Config tunes the engine.
type Config struct {
	Weights Weights
	// RRFConstant is the smoothing constant of reciprocal rank fusion.
	RRFConstant int
	// CandidatePool is how many chunks the analysis tools retrieve before
	// aggregating to documents.
	CandidatePool int
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = 60
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = 30
	}
	return c
}

// Engine answers the retrieval tool calls.
type Engine struct {
	cfg     Config
	emb     Embedder
	vectors Vectors
	keyword Keyword
	logger  *slog.Logger
}

// NewEngine builds an engine. kw may be nil for vector-only retrieval.
func NewEngine(cfg Config, emb Embedder, vectors Vectors, kw Keyword, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg.withDefaults(), emb: emb, vectors: vectors, keyword: kw, logger: logger}
}

// Request carries the parameters shared by every tool.
type Request struct {
	Query       string
	Limit       int
	ProjectIDs  []string
	SourceTypes []string
}

func (r Request) limit() int {
	if r.Limit <= 0 {
		return 10
	}
	return r.Limit
}

// Result is one scored chunk.
type Result struct {
	ChunkID      string
	DocumentID   string
	Score        float64
	VectorScore  float64
	KeywordScore float64
	Title        string
	Content      string
	ProjectID    string
	SourceType   string
	SourceName   string
	SourceURI    string
	Payload      map[string]string
}

func resultFromPoint(sp vectorstore.ScoredPoint) Result {
	return Result{
		ChunkID:     sp.ChunkID,
		DocumentID:  sp.DocumentID,
		VectorScore: float64(sp.Score),
		Title:       sp.Payload["title"],
		Content:     sp.Content,
		ProjectID:   sp.Payload["project_id"],
		SourceType:  sp.Payload["source_type"],
		SourceName:  sp.Payload["source_name"],
		SourceURI:   sp.Payload["source_uri"],
		Payload:     sp.Payload,
	}
}
