package chunking

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
)

// defaultStrategy is a character sliding window with whitespace boundary
// preference and exact-overlap continuation.
type defaultStrategy struct {
	cfg    config.ChunkingConfig
	tok    llm.Tokenizer
	logger *slog.Logger
}

func (s *defaultStrategy) name() string { return "default" }

func (s *defaultStrategy) split(_ context.Context, doc Document) []piece {
	return windowSplit(doc.Content, s.cfg, s.logger, doc.ID)
}

// windowSplit is the shared character-window splitter. Other strategies use
// it for oversized sections and fallbacks.
func windowSplit(content string, cfg config.ChunkingConfig, logger *slog.Logger, docID string) []piece {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 1500
	}
	overlap := effectiveOverlap(cfg)

	if len(content) <= size {
		return []piece{{content: content}}
	}

	var pieces []piece
	start := 0
	for start < len(content) {
		end := start + size
		if end >= len(content) {
			pieces = append(pieces, piece{content: content[start:]})
			break
		}

		cut := boundaryBefore(content, start, end)
		if cut <= start {
			// Single run longer than the window: hard cut at a rune
			// boundary rather than looping.
			cut = runeBoundaryBefore(content, end)
			if cut <= start {
				cut = end
			}
			logger.Warn("overlong word hard cut",
				slog.String("document_id", docID),
				slog.Int("offset", start))
		}

		pieces = append(pieces, piece{content: content[start:cut]})

		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}

	return mergeSmallTail(pieces, cfg.MinChunkSize, overlap)
}

// boundaryBefore returns the largest index in (start, end] that follows a
// whitespace rune, or start when the window holds a single unbroken word.
func boundaryBefore(content string, start, end int) int {
	for i := end; i > start; i-- {
		r, _ := utf8.DecodeLastRuneInString(content[:i])
		if r == utf8.RuneError {
			continue
		}
		if isSpace(r) {
			return i
		}
	}
	return start
}

func runeBoundaryBefore(content string, end int) int {
	for end > 0 && !utf8.RuneStart(content[end]) {
		end--
	}
	return end
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// mergeSmallTail folds a trailing chunk below min into its predecessor so
// the last chunk is never a fragment. The tail's first overlap characters
// repeat the predecessor's suffix and are dropped.
func mergeSmallTail(pieces []piece, min, overlap int) []piece {
	n := len(pieces)
	if min <= 0 || n < 2 {
		return pieces
	}
	last := pieces[n-1]
	if len(strings.TrimSpace(last.content)) >= min {
		return pieces
	}
	skip := overlap
	if skip > len(last.content) {
		skip = len(last.content)
	}
	pieces[n-2].content += last.content[skip:]
	return pieces[:n-1]
}
