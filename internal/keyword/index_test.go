package keyword

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Index {
	t.Helper()
	idx, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func seed(t *testing.T, idx *Index) {
	t.Helper()
	require.NoError(t, idx.IndexChunks(context.Background(), []Entry{
		{ChunkID: "c1", DocumentID: "d1", ProjectID: "p1", SourceType: "git",
			Content: "database connection pooling guide", Title: "Pooling"},
		{ChunkID: "c2", DocumentID: "d1", ProjectID: "p1", SourceType: "git",
			Content: "kubernetes deployment manifests", Title: "Deploy"},
		{ChunkID: "c3", DocumentID: "d2", ProjectID: "p2", SourceType: "confluence",
			Content: "database migration runbook", Title: "Migrations"},
	}))
}

func TestSearchMatchesContent(t *testing.T) {
	idx := openMem(t)
	seed(t, idx)

	hits, err := idx.Search(context.Background(), "database", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	ids := []string{hits[0].ChunkID, hits[1].ChunkID}
	assert.ElementsMatch(t, []string{"c1", "c3"}, ids)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearchProjectScope(t *testing.T) {
	idx := openMem(t)
	seed(t, idx)

	hits, err := idx.Search(context.Background(), "database", 10, []string{"p2"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c3", hits[0].ChunkID)
}

func TestSearchEmptyQuery(t *testing.T) {
	idx := openMem(t)
	seed(t, idx)

	hits, err := idx.Search(context.Background(), "   ", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteChunks(t *testing.T) {
	idx := openMem(t)
	seed(t, idx)

	require.NoError(t, idx.DeleteChunks(context.Background(), []string{"c1"}))
	hits, err := idx.Search(context.Background(), "database", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c3", hits[0].ChunkID)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestReindexReplaces(t *testing.T) {
	idx := openMem(t)
	seed(t, idx)

	require.NoError(t, idx.IndexChunks(context.Background(), []Entry{
		{ChunkID: "c1", DocumentID: "d1", ProjectID: "p1", SourceType: "git",
			Content: "completely different topic now"},
	}))

	hits, err := idx.Search(context.Background(), "pooling", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(context.Background(), "different topic", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
}
