package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, conn Connector) []*Document {
	t.Helper()
	items, err := conn.Documents(context.Background(), nil)
	require.NoError(t, err)
	var docs []*Document
	for item := range items {
		require.NoError(t, item.Err)
		docs = append(docs, item.Doc)
	}
	return docs
}

func docByTitle(docs []*Document, title string) *Document {
	for _, d := range docs {
		if d.Title == title {
			return d
		}
	}
	return nil
}

func TestLocalFileWalk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "readme.md", "# hello")
	writeFile(t, root, "guide/setup.md", "setup steps")
	writeFile(t, root, "guide/skip.log", "noise")
	writeFile(t, root, ".hidden/secret.md", "hidden")

	conn, err := NewLocalFile("p1", "docs", config.SourceConfig{
		Path:      root,
		FileTypes: []string{"md"},
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 2)
	assert.NotNil(t, docByTitle(docs, "readme.md"))
	setup := docByTitle(docs, "setup.md")
	require.NotNil(t, setup)
	assert.Equal(t, KindText, setup.Kind)
	assert.Equal(t, "guide/setup.md", setup.Metadata["relative_path"])
	assert.Equal(t, "text/markdown", setup.MimeType)
}

func TestLocalFileMaxFileSizeBoundary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "exact.md", "12345")
	writeFile(t, root, "over.md", "123456")

	conn, err := NewLocalFile("p1", "docs", config.SourceConfig{
		Path:        root,
		MaxFileSize: 5,
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	// At the limit is accepted, one byte over is skipped.
	require.Len(t, docs, 1)
	assert.Equal(t, "exact.md", docs[0].Title)
}

func TestLocalFileBinarySniff(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0x50, 0x4b, 0x00, 0x01}, 0o644))

	conn, err := NewLocalFile("p1", "docs", config.SourceConfig{Path: root}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 1)
	assert.Equal(t, KindBinary, docs[0].Kind)
}

func TestLocalFileHierarchy(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/b/leaf.md", "content")

	conn, err := NewLocalFile("p1", "docs", config.SourceConfig{
		Path:              root,
		PreserveHierarchy: true,
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	// Two folder docs plus the file.
	require.Len(t, docs, 3)

	leaf := docByTitle(docs, "leaf.md")
	require.NotNil(t, leaf)
	require.NotNil(t, leaf.Hierarchy)
	assert.Equal(t, 2, leaf.Hierarchy.Depth)
	assert.Equal(t, []string{"a", "b", "leaf.md"}, leaf.Hierarchy.Breadcrumb)
	require.Len(t, leaf.Hierarchy.Ancestors, 2)
	assert.Equal(t, leaf.Hierarchy.Ancestors[1], leaf.Hierarchy.ParentID)

	folderB := docByTitle(docs, "b")
	require.NotNil(t, folderB)
	assert.Equal(t, KindFolder, folderB.Kind)
	assert.Equal(t, folderB.ID(), leaf.Hierarchy.ParentID)
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pat, path string
		want      bool
	}{
		{"*.md", "readme.md", true},
		{"*.md", "docs/readme.md", false},
		{"**/*.md", "docs/readme.md", true},
		{"**/*.md", "a/b/c.md", true},
		{"vendor/**", "vendor/pkg/mod.go", true},
		{"vendor/**", "src/vendor.go", false},
		{"docs/*.md", "docs/readme.md", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pat, tt.path), "%s vs %s", tt.pat, tt.path)
	}
}

func TestDocumentIDStable(t *testing.T) {
	a := DocumentID("p", "git", "repo", "uri")
	b := DocumentID("p", "git", "repo", "uri")
	c := DocumentID("p", "git", "repo", "uri2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
