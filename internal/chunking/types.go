// Package chunking splits converted documents into bounded, metadata-rich
// chunks. Five strategies cover markdown, HTML, source code, JSON, and a
// character-window default; dispatch follows the post-conversion content
// type. All sizes are character counts; the tokenizer is consulted only to
// keep chunks under the provider's per-chunk token budget.
package chunking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
)

// chunkerVersion participates in chunk IDs so a strategy change re-chunks
// everything on the next run.
const chunkerVersion = "v1"

// Chunk is one retrievable unit produced from a document.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Total      int
	Content    string
	Metadata   map[string]string
}

// Document is the post-conversion input to the engine.
type Document struct {
	ID       string
	Content  string
	FileType string // extension without the dot
	MimeType string
	Metadata map[string]string
}

// piece is strategy output before IDs and indexes are assigned.
type piece struct {
	content string
	meta    map[string]string
}

type strategy interface {
	name() string
	split(ctx context.Context, doc Document) []piece
}

// Engine dispatches documents to strategies and finalizes chunk identity.
type Engine struct {
	cfg    config.ChunkingConfig
	tok    llm.Tokenizer
	logger *slog.Logger
	code   *codeStrategy
}

// NewEngine builds an engine. tok may be nil, in which case no token clamp
// is applied.
func NewEngine(cfg config.ChunkingConfig, tok llm.Tokenizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		tok:    tok,
		logger: logger,
		code:   newCodeStrategy(cfg, logger),
	}
}

// Close releases parser resources held by the code strategy.
func (e *Engine) Close() {
	e.code.close()
}

// Chunk splits doc and returns at most max_chunks_per_document chunks with
// deterministic IDs. Re-chunking the same document with the same
// configuration reproduces identical IDs and content.
func (e *Engine) Chunk(ctx context.Context, doc Document) []Chunk {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}

	strat := e.strategyFor(doc)
	pieces := strat.split(ctx, doc)

	if max := e.cfg.MaxChunksPerDocument; max > 0 && len(pieces) > max {
		e.logger.Warn("document chunk cap reached",
			slog.String("document_id", doc.ID),
			slog.Int("produced", len(pieces)),
			slog.Int("cap", max))
		pieces = pieces[:max]
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		meta := p.meta
		if meta == nil {
			meta = make(map[string]string)
		}
		meta["strategy"] = strat.name()
		chunks = append(chunks, Chunk{
			ID:         ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Total:      len(pieces),
			Content:    p.content,
			Metadata:   meta,
		})
	}
	return chunks
}

// strategyFor picks a strategy from the post-conversion content type.
// Office formats arrive as markdown from the converter, so their original
// extensions map to the markdown strategy.
func (e *Engine) strategyFor(doc Document) strategy {
	ft := strings.ToLower(doc.FileType)
	switch {
	case officeExtensions[ft], ft == "md", ft == "markdown",
		strings.Contains(doc.MimeType, "markdown"):
		return &markdownStrategy{cfg: e.cfg, logger: e.logger}
	case ft == "html" || ft == "htm" || ft == "xhtml" ||
		strings.Contains(doc.MimeType, "html"):
		return &htmlStrategy{cfg: e.cfg, logger: e.logger}
	case e.code.supports(ft):
		return e.code
	case ft == "json" || strings.Contains(doc.MimeType, "json"):
		return &jsonStrategy{cfg: e.cfg, logger: e.logger}
	default:
		return &defaultStrategy{cfg: e.cfg, tok: e.tok, logger: e.logger}
	}
}

// officeExtensions are formats the converter rewrites to markdown before
// chunking.
var officeExtensions = map[string]bool{
	"docx": true, "doc": true,
	"xlsx": true, "xls": true,
	"pptx": true, "ppt": true,
	"pdf": true,
}

// ChunkID derives the stable chunk identifier.
func ChunkID(documentID string, index int) string {
	sum := sha256.Sum256([]byte(documentID + ":" + strconv.Itoa(index) + ":" + chunkerVersion))
	return hex.EncodeToString(sum[:])[:32]
}

// effectiveOverlap clamps the configured overlap to the percentage cap and
// keeps it strictly below the chunk size so windows always advance.
func effectiveOverlap(cfg config.ChunkingConfig) int {
	overlap := cfg.ChunkOverlap
	if cfg.MaxOverlapPercentage > 0 {
		if limit := int(cfg.MaxOverlapPercentage * float64(cfg.ChunkSize)); overlap > limit {
			overlap = limit
		}
	}
	if overlap >= cfg.ChunkSize {
		overlap = cfg.ChunkSize / 2
	}
	if overlap < 0 {
		overlap = 0
	}
	return overlap
}
