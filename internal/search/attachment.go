package search

import (
	"context"
	"strconv"
	"strings"

	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

// AttachmentFilter narrows attachment search results.
type AttachmentFilter struct {
	FileType            string
	FileSizeMin         int64
	FileSizeMax         int64
	Author              string
	ParentDocumentTitle string
}

// AttachmentRequest parameterizes AttachmentSearch.
type AttachmentRequest struct {
	Request
	IncludeParentContext bool
	Filter               AttachmentFilter
}

// AttachmentResult is a search hit on an attachment document.
type AttachmentResult struct {
	Result
	FileName         string
	FileType         string
	MimeType         string
	FileSize         int64
	ParentDocumentID string
	ParentTitle      string
	// ParentContext is the parent's best-matching chunk text, filled when
	// IncludeParentContext is set.
	ParentContext string
}

// AttachmentSearch runs semantic search restricted to attachment chunks.
func (e *Engine) AttachmentSearch(ctx context.Context, req AttachmentRequest) ([]AttachmentResult, error) {
	hits, err := e.search(ctx, req.Request, req.limit()*3,
		vectorstore.Must(vectorstore.EqBool("is_attachment", true)))
	if err != nil {
		return nil, err
	}

	results := make([]AttachmentResult, 0, req.limit())
	for _, hit := range hits {
		ar := resolveAttachment(hit)
		if !req.Filter.matches(ar) {
			continue
		}
		if req.IncludeParentContext && ar.ParentDocumentID != "" {
			ar.ParentContext = e.parentContext(ctx, req.Query, ar.ParentDocumentID)
		}
		results = append(results, ar)
		if len(results) == req.limit() {
			break
		}
	}
	return results, nil
}

func resolveAttachment(hit Result) AttachmentResult {
	ar := AttachmentResult{
		Result:           hit,
		FileName:         hit.Payload["attachment_filename"],
		FileType:         hit.Payload["file_type"],
		MimeType:         hit.Payload["mime_type"],
		ParentDocumentID: hit.Payload["parent_document_id"],
		ParentTitle:      hit.Payload["parent_title"],
	}
	if ar.FileName == "" {
		ar.FileName = hit.Title
	}
	if size, err := strconv.ParseInt(hit.Payload["file_size"], 10, 64); err == nil {
		ar.FileSize = size
	}
	return ar
}

func (f AttachmentFilter) matches(ar AttachmentResult) bool {
	if f.FileType != "" && !strings.EqualFold(f.FileType, ar.FileType) {
		return false
	}
	if f.FileSizeMin > 0 && ar.FileSize < f.FileSizeMin {
		return false
	}
	if f.FileSizeMax > 0 && ar.FileSize > f.FileSizeMax {
		return false
	}
	if f.Author != "" && !strings.EqualFold(f.Author, ar.Payload["author"]) {
		return false
	}
	if f.ParentDocumentTitle != "" && !strings.EqualFold(f.ParentDocumentTitle, ar.ParentTitle) {
		return false
	}
	return true
}

// parentContext fetches the parent document's chunk closest to the query.
// Failures degrade to an empty context rather than failing the search.
func (e *Engine) parentContext(ctx context.Context, query, parentID string) string {
	vecs, err := e.emb.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		return ""
	}
	points, err := e.vectors.Search(ctx, vecs[0], 1,
		vectorstore.Must(vectorstore.Eq("document_id", parentID)))
	if err != nil || len(points) == 0 {
		return ""
	}
	return points[0].Content
}
