// Package source defines the connector contract and the connectors for the
// five supported source types: git, confluence, jira, publicdocs and
// localfile. Connectors only produce observations; they never write state.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Kind tags what a document carries.
type Kind string

const (
	// KindText is ready-to-chunk text content.
	KindText Kind = "text"
	// KindBinary needs file conversion before chunking.
	KindBinary Kind = "binary"
	// KindAttachment is a dependent document linked to a parent.
	KindAttachment Kind = "attachment"
	// KindFolder is a synthetic hierarchy node (no content).
	KindFolder Kind = "folder"
)

// Hierarchy describes a document's position within its source.
type Hierarchy struct {
	ParentID    string
	Ancestors   []string
	ChildrenIDs []string
	Breadcrumb  []string
	Depth       int
}

// Document is one observation produced by a connector.
type Document struct {
	ProjectID  string
	SourceType string
	SourceName string
	URI        string
	Title      string
	Kind       Kind
	Content    []byte
	MimeType   string
	FileType   string
	Size       int64
	// ParentURI links an attachment to its owning document.
	ParentURI string
	Metadata  map[string]string
	Hierarchy *Hierarchy
}

// ID returns the stable document id derived from the source coordinates.
func (d *Document) ID() string {
	return DocumentID(d.ProjectID, d.SourceType, d.SourceName, d.URI)
}

// ParentID returns the id of the parent document, or "" for top-level docs.
func (d *Document) ParentID() string {
	if d.ParentURI == "" {
		return ""
	}
	return DocumentID(d.ProjectID, d.SourceType, d.SourceName, d.ParentURI)
}

// DocumentID hashes the identifying tuple into a stable 32-hex-char id.
func DocumentID(projectID, sourceType, sourceName, uri string) string {
	sum := sha256.Sum256([]byte(projectID + "\x00" + sourceType + "\x00" + sourceName + "\x00" + uri))
	return hex.EncodeToString(sum[:16])
}

// Item is one element of a connector stream: a document or an error. Errors
// do not terminate the stream unless the channel is closed afterwards.
type Item struct {
	Doc *Document
	Err error
}

// Connector streams the documents of one configured source.
type Connector interface {
	// Documents starts producing observations. The channel is closed when
	// the source is exhausted or ctx is cancelled. since, when non-nil, is
	// the last successful run and lets connectors skip unmodified content.
	Documents(ctx context.Context, since *time.Time) (<-chan Item, error)
	Type() string
	Name() string
}

// matchesFilters applies include/exclude globs and the file-type allow list
// to a slash-separated relative path.
func matchesFilters(relPath string, include, exclude, fileTypes []string) bool {
	for _, pat := range exclude {
		if globMatch(pat, relPath) {
			return false
		}
	}
	if len(include) > 0 {
		ok := false
		for _, pat := range include {
			if globMatch(pat, relPath) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(fileTypes) > 0 {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(relPath)), ".")
		ok := false
		for _, ft := range fileTypes {
			if strings.TrimPrefix(strings.ToLower(ft), ".") == ext {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// globMatch matches pat against path, supporting a leading **/ for
// any-directory matches and suffix patterns like **/*.md.
func globMatch(pat, path string) bool {
	if ok, _ := filepath.Match(pat, path); ok {
		return true
	}
	if strings.HasPrefix(pat, "**/") {
		tail := strings.TrimPrefix(pat, "**/")
		if ok, _ := filepath.Match(tail, path); ok {
			return true
		}
		segments := strings.Split(path, "/")
		for i := 1; i < len(segments); i++ {
			if ok, _ := filepath.Match(tail, strings.Join(segments[i:], "/")); ok {
				return true
			}
		}
	}
	// Directory prefix patterns: "vendor/**" excludes the whole subtree.
	if strings.HasSuffix(pat, "/**") {
		prefix := strings.TrimSuffix(pat, "/**")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// detectBinary sniffs content for a NUL byte in the first 8 KiB, the same
// heuristic git uses.
func detectBinary(content []byte) bool {
	n := len(content)
	if n > 8192 {
		n = 8192
	}
	for i := 0; i < n; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

// mimeForExtension maps common extensions to MIME types; unknown extensions
// return application/octet-stream.
func mimeForExtension(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "md", "markdown":
		return "text/markdown"
	case "txt", "text", "rst":
		return "text/plain"
	case "html", "htm", "xhtml":
		return "text/html"
	case "json":
		return "application/json"
	case "yaml", "yml":
		return "application/yaml"
	case "csv":
		return "text/csv"
	case "tsv":
		return "text/tab-separated-values"
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
