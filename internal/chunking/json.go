package chunking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

// jsonStrategy parses the document structurally. Top-level object members
// become candidate chunks, arrays are grouped by item count, and the
// inferred shape is recorded in metadata. Oversized or invalid JSON falls
// back to the character window.
type jsonStrategy struct {
	cfg    config.ChunkingConfig
	logger *slog.Logger
}

func (s *jsonStrategy) name() string { return "json" }

func (s *jsonStrategy) split(_ context.Context, doc Document) []piece {
	maxParse := s.cfg.JSON.MaxJSONSizeForParsing
	if maxParse <= 0 {
		maxParse = 1 << 20
	}
	if len(doc.Content) > maxParse {
		s.logger.Warn("json too large for structural parse",
			slog.String("document_id", doc.ID), slog.Int("size", len(doc.Content)))
		return windowSplit(doc.Content, s.cfg, s.logger, doc.ID)
	}

	var value any
	if err := json.Unmarshal([]byte(doc.Content), &value); err != nil {
		s.logger.Warn("invalid json, falling back to character window",
			slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return windowSplit(doc.Content, s.cfg, s.logger, doc.ID)
	}

	switch v := value.(type) {
	case map[string]any:
		return s.splitObject(doc.ID, v)
	case []any:
		return s.splitArray("$", v)
	default:
		return []piece{{content: doc.Content, meta: map[string]string{"json_path": "$"}}}
	}
}

func (s *jsonStrategy) splitObject(docID string, obj map[string]any) []piece {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if limit := s.cfg.JSON.MaxObjectKeysToProcess; limit > 0 && len(keys) > limit {
		s.logger.Warn("json object key cap reached",
			slog.String("document_id", docID),
			slog.Int("keys", len(keys)), slog.Int("cap", limit))
		keys = keys[:limit]
	}

	var pieces []piece
	for _, key := range keys {
		path := "$." + key
		if arr, ok := obj[key].([]any); ok && len(arr) > 0 {
			pieces = append(pieces, s.splitArray(path, arr)...)
			continue
		}
		text, err := renderMember(key, obj[key])
		if err != nil {
			continue
		}
		pieces = append(pieces, s.memberPieces(docID, path, obj[key], text)...)
	}
	return pieces
}

// memberPieces emits one chunk per member, window-splitting members larger
// than the chunk size.
func (s *jsonStrategy) memberPieces(docID, path string, value any, text string) []piece {
	meta := func() map[string]string {
		m := map[string]string{"json_path": path}
		if s.cfg.JSON.EnableSchemaInference {
			m["schema"] = inferShape(value, 0)
		}
		return m
	}

	size := s.cfg.ChunkSize
	if size <= 0 {
		size = 1500
	}
	if len(text) <= size {
		return []piece{{content: text, meta: meta()}}
	}
	var pieces []piece
	for _, p := range windowSplit(text, s.cfg, s.logger, docID) {
		pieces = append(pieces, piece{content: p.content, meta: meta()})
	}
	return pieces
}

// splitArray groups array elements into chunks of max_array_items_per_chunk.
func (s *jsonStrategy) splitArray(path string, arr []any) []piece {
	group := s.cfg.JSON.MaxArrayItemsPerChunk
	if group <= 0 {
		group = 50
	}

	var pieces []piece
	for start := 0; start < len(arr); start += group {
		end := start + group
		if end > len(arr) {
			end = len(arr)
		}
		rendered, err := json.MarshalIndent(arr[start:end], "", "  ")
		if err != nil {
			continue
		}
		meta := map[string]string{
			"json_path": fmt.Sprintf("%s[%d:%d]", path, start, end),
		}
		if s.cfg.JSON.EnableSchemaInference && end > start {
			meta["schema"] = "array<" + inferShape(arr[start], 0) + ">"
		}
		pieces = append(pieces, piece{content: string(rendered), meta: meta})
	}
	return pieces
}

func renderMember(key string, value any) (string, error) {
	rendered, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", err
	}
	return strconv.Quote(key) + ": " + string(rendered), nil
}

// inferShape produces a compact one-level type description.
func inferShape(value any, depth int) string {
	switch v := value.(type) {
	case map[string]any:
		if depth >= 1 {
			return "object"
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+inferShape(v[k], depth+1))
		}
		return "object{" + strings.Join(parts, ",") + "}"
	case []any:
		if len(v) == 0 {
			return "array<any>"
		}
		return "array<" + inferShape(v[0], depth+1) + ">"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "any"
	}
}
