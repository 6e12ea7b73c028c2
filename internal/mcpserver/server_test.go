package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/internal/search"
)

// mockEngine implements Searcher for testing.
type mockEngine struct {
	SearchFn               func(ctx context.Context, req search.Request) ([]search.Result, error)
	HierarchySearchFn      func(ctx context.Context, req search.HierarchyRequest) ([]search.HierarchyResult, []search.HierarchyGroup, error)
	AttachmentSearchFn     func(ctx context.Context, req search.AttachmentRequest) ([]search.AttachmentResult, error)
	AnalyzeRelationshipsFn func(ctx context.Context, req search.Request) ([]search.Edge, error)
	FindSimilarFn          func(ctx context.Context, req search.Request, target string, max int) ([]search.SimilarDocument, error)
	DetectConflictsFn      func(ctx context.Context, req search.Request) ([]search.Conflict, error)
	FindComplementaryFn    func(ctx context.Context, req search.Request, max int) ([]search.Complement, error)
	ClusterDocumentsFn     func(ctx context.Context, req search.ClusterRequest) ([]search.Cluster, []string, error)
}

func (m *mockEngine) Search(ctx context.Context, req search.Request) ([]search.Result, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, req)
	}
	return nil, nil
}

func (m *mockEngine) HierarchySearch(ctx context.Context, req search.HierarchyRequest) ([]search.HierarchyResult, []search.HierarchyGroup, error) {
	if m.HierarchySearchFn != nil {
		return m.HierarchySearchFn(ctx, req)
	}
	return nil, nil, nil
}

func (m *mockEngine) AttachmentSearch(ctx context.Context, req search.AttachmentRequest) ([]search.AttachmentResult, error) {
	if m.AttachmentSearchFn != nil {
		return m.AttachmentSearchFn(ctx, req)
	}
	return nil, nil
}

func (m *mockEngine) AnalyzeRelationships(ctx context.Context, req search.Request) ([]search.Edge, error) {
	if m.AnalyzeRelationshipsFn != nil {
		return m.AnalyzeRelationshipsFn(ctx, req)
	}
	return nil, nil
}

func (m *mockEngine) FindSimilar(ctx context.Context, req search.Request, target string, max int) ([]search.SimilarDocument, error) {
	if m.FindSimilarFn != nil {
		return m.FindSimilarFn(ctx, req, target, max)
	}
	return nil, nil
}

func (m *mockEngine) DetectConflicts(ctx context.Context, req search.Request) ([]search.Conflict, error) {
	if m.DetectConflictsFn != nil {
		return m.DetectConflictsFn(ctx, req)
	}
	return nil, nil
}

func (m *mockEngine) FindComplementary(ctx context.Context, req search.Request, max int) ([]search.Complement, error) {
	if m.FindComplementaryFn != nil {
		return m.FindComplementaryFn(ctx, req, max)
	}
	return nil, nil
}

func (m *mockEngine) ClusterDocuments(ctx context.Context, req search.ClusterRequest) ([]search.Cluster, []string, error) {
	if m.ClusterDocumentsFn != nil {
		return m.ClusterDocumentsFn(ctx, req)
	}
	return nil, nil, nil
}

var _ Searcher = (*mockEngine)(nil)

func testServer(t *testing.T, engine Searcher) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(engine, "test", logger)
	require.NoError(t, err)
	return s
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(nil, "test", nil)
	require.Error(t, err)
}

func TestListToolsRegistersAll(t *testing.T) {
	s := testServer(t, &mockEngine{})
	tools := s.ListTools()
	require.Len(t, tools, 8)

	names := make([]string, 0, len(tools))
	for _, ti := range tools {
		names = append(names, ti.Name)
		assert.NotEmpty(t, ti.Description)
	}
	assert.Equal(t, []string{
		"search",
		"hierarchy_search",
		"attachment_search",
		"analyze_document_relationships",
		"find_similar_documents",
		"detect_document_conflicts",
		"find_complementary_content",
		"cluster_documents",
	}, names)
}

func TestCallToolSearch(t *testing.T) {
	var got search.Request
	engine := &mockEngine{
		SearchFn: func(ctx context.Context, req search.Request) ([]search.Result, error) {
			got = req
			return []search.Result{{
				ChunkID:    "c1",
				DocumentID: "d1",
				Title:      "Auth Guide",
				Content:    "token rotation",
				Score:      0.42,
			}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "search", map[string]any{
		"query":        "token rotation",
		"limit":        float64(5),
		"project_ids":  []any{"p1"},
		"source_types": []any{"confluence"},
	})
	require.NoError(t, err)

	assert.Equal(t, "token rotation", got.Query)
	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, []string{"p1"}, got.ProjectIDs)
	assert.Equal(t, []string{"confluence"}, got.SourceTypes)

	output, ok := out.(SearchOutput)
	require.True(t, ok)
	require.Len(t, output.Results, 1)
	assert.Equal(t, "d1", output.Results[0].DocumentID)
	assert.Equal(t, "Auth Guide", output.Results[0].Title)
}

func TestCallToolUnknownTool(t *testing.T) {
	s := testServer(t, &mockEngine{})
	_, err := s.CallTool(context.Background(), "grep", map[string]any{"query": "x"})
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, errCodeMethodNotFound, rpcErr.Code)
}

func TestCallToolRejectsUnknownArguments(t *testing.T) {
	s := testServer(t, &mockEngine{})
	_, err := s.CallTool(context.Background(), "search", map[string]any{
		"query":   "x",
		"qeury_2": "typo",
	})
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, errCodeInvalidParams, rpcErr.Code)
}

func TestCallToolMapsEngineInvalidParams(t *testing.T) {
	engine := &mockEngine{
		SearchFn: func(ctx context.Context, req search.Request) ([]search.Result, error) {
			return nil, qerrors.New(qerrors.CodeInvalidParams, "query must not be empty", nil)
		},
	}
	s := testServer(t, engine)

	_, err := s.CallTool(context.Background(), "search", map[string]any{"query": ""})
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, errCodeInvalidParams, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "query")
}

func TestCallToolHierarchySearch(t *testing.T) {
	var got search.HierarchyRequest
	engine := &mockEngine{
		HierarchySearchFn: func(ctx context.Context, req search.HierarchyRequest) ([]search.HierarchyResult, []search.HierarchyGroup, error) {
			got = req
			child := search.HierarchyResult{
				Result:           search.Result{DocumentID: "child", Title: "Onboarding"},
				ParentDocumentID: "root",
				Breadcrumb:       []string{"Handbook", "Onboarding"},
				Depth:            1,
			}
			return []search.HierarchyResult{child}, []search.HierarchyGroup{{
				RootID:    "root",
				RootTitle: "Handbook",
				Results:   []search.HierarchyResult{child},
			}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "hierarchy_search", map[string]any{
		"query":                 "onboarding",
		"organize_by_hierarchy": true,
		"filter":                map[string]any{"depth": float64(1)},
	})
	require.NoError(t, err)

	assert.True(t, got.OrganizeByHierarchy)
	require.NotNil(t, got.Filter.Depth)
	assert.Equal(t, 1, *got.Filter.Depth)

	output, ok := out.(HierarchySearchOutput)
	require.True(t, ok)
	require.Len(t, output.Results, 1)
	assert.Equal(t, []string{"Handbook", "Onboarding"}, output.Results[0].Breadcrumb)
	require.Len(t, output.Groups, 1)
	assert.Equal(t, "Handbook", output.Groups[0].RootTitle)
}

func TestCallToolAttachmentSearch(t *testing.T) {
	var got search.AttachmentRequest
	engine := &mockEngine{
		AttachmentSearchFn: func(ctx context.Context, req search.AttachmentRequest) ([]search.AttachmentResult, error) {
			got = req
			return []search.AttachmentResult{{
				Result:   search.Result{DocumentID: "att1", Title: "spec.pdf"},
				FileName: "spec.pdf",
				FileType: "pdf",
				FileSize: 2048,
			}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "attachment_search", map[string]any{
		"query":                  "design",
		"include_parent_context": true,
		"filter":                 map[string]any{"file_type": "pdf", "file_size_max": float64(4096)},
	})
	require.NoError(t, err)

	assert.True(t, got.IncludeParentContext)
	assert.Equal(t, "pdf", got.Filter.FileType)
	assert.Equal(t, int64(4096), got.Filter.FileSizeMax)

	output, ok := out.(AttachmentSearchOutput)
	require.True(t, ok)
	require.Len(t, output.Results, 1)
	assert.Equal(t, "spec.pdf", output.Results[0].FileName)
	assert.Equal(t, int64(2048), output.Results[0].FileSize)
}

func TestCallToolAnalyzeRelationships(t *testing.T) {
	engine := &mockEngine{
		AnalyzeRelationshipsFn: func(ctx context.Context, req search.Request) ([]search.Edge, error) {
			return []search.Edge{{
				DocumentA: "d1", TitleA: "A",
				DocumentB: "d2", TitleB: "B",
				Score:       0.6,
				Explanation: "shared entities 0.80",
			}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "analyze_document_relationships", map[string]any{"query": "auth"})
	require.NoError(t, err)

	output, ok := out.(AnalyzeRelationshipsOutput)
	require.True(t, ok)
	require.Len(t, output.Relationships, 1)
	assert.Equal(t, "d1", output.Relationships[0].DocumentA)
	assert.Equal(t, 0.6, output.Relationships[0].Score)
}

func TestCallToolFindSimilar(t *testing.T) {
	var gotTarget string
	var gotMax int
	engine := &mockEngine{
		FindSimilarFn: func(ctx context.Context, req search.Request, target string, max int) ([]search.SimilarDocument, error) {
			gotTarget, gotMax = target, max
			return []search.SimilarDocument{{DocumentID: "d2", Title: "Close", Score: 0.5}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "find_similar_documents", map[string]any{
		"query":              "kubernetes",
		"target_document_id": "d1",
		"max_similar":        float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", gotTarget)
	assert.Equal(t, 3, gotMax)

	output, ok := out.(FindSimilarOutput)
	require.True(t, ok)
	require.Len(t, output.SimilarDocuments, 1)
	assert.Contains(t, output.SimilarDocuments[0].Metrics, "entity")
	assert.Contains(t, output.SimilarDocuments[0].Metrics, "hierarchy")
}

func TestCallToolDetectConflicts(t *testing.T) {
	engine := &mockEngine{
		DetectConflictsFn: func(ctx context.Context, req search.Request) ([]search.Conflict, error) {
			return []search.Conflict{{
				DocumentA: "d1", DocumentB: "d2",
				Kind:        "value_mismatch",
				Explanation: "version differs: 1.2 vs 2.0",
			}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "detect_document_conflicts", map[string]any{"query": "install"})
	require.NoError(t, err)

	output, ok := out.(DetectConflictsOutput)
	require.True(t, ok)
	require.Len(t, output.Conflicts, 1)
	assert.Equal(t, "value_mismatch", output.Conflicts[0].Kind)
}

func TestCallToolFindComplementary(t *testing.T) {
	engine := &mockEngine{
		FindComplementaryFn: func(ctx context.Context, req search.Request, max int) ([]search.Complement, error) {
			return []search.Complement{{DocumentID: "d3", Title: "Monitoring", Score: 0.3}}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "find_complementary_content", map[string]any{
		"query":               "deploy",
		"max_recommendations": float64(2),
	})
	require.NoError(t, err)

	output, ok := out.(FindComplementaryOutput)
	require.True(t, ok)
	require.Len(t, output.Recommendations, 1)
	assert.Equal(t, "d3", output.Recommendations[0].DocumentID)
}

func TestCallToolClusterDocuments(t *testing.T) {
	var got search.ClusterRequest
	engine := &mockEngine{
		ClusterDocumentsFn: func(ctx context.Context, req search.ClusterRequest) ([]search.Cluster, []string, error) {
			got = req
			return []search.Cluster{{
				Label:       "postgres, tuning",
				DocumentIDs: []string{"d1", "d2"},
				Titles:      []string{"Pg One", "Pg Two"},
				Size:        2,
			}}, []string{"d3"}, nil
		},
	}
	s := testServer(t, engine)

	out, err := s.CallTool(context.Background(), "cluster_documents", map[string]any{
		"query":    "infra",
		"strategy": "topic_based",
	})
	require.NoError(t, err)
	assert.Equal(t, search.StrategyTopicBased, got.Strategy)

	output, ok := out.(ClusterDocumentsOutput)
	require.True(t, ok)
	require.Len(t, output.Clusters, 1)
	assert.Equal(t, 2, output.Clusters[0].Size)
	assert.Equal(t, []string{"d3"}, output.Unclustered)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid params", qerrors.New(qerrors.CodeInvalidParams, "bad", nil), errCodeInvalidParams},
		{"method not found", qerrors.New(qerrors.CodeMethodNotFound, "nope", nil), errCodeMethodNotFound},
		{"backend down", qerrors.New(qerrors.CodeToolUnavailable, "qdrant unreachable", nil), errCodeBackendUnavailable},
		{"network", qerrors.New(qerrors.CodeNetwork, "refused", nil), errCodeBackendUnavailable},
		{"rate limited", qerrors.New(qerrors.CodeRateLimited, "slow down", nil), errCodeTimeout},
		{"internal", qerrors.New(qerrors.CodeInternal, "boom", nil), errCodeInternal},
		{"deadline", context.DeadlineExceeded, errCodeTimeout},
		{"canceled", context.Canceled, errCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := mapError(tt.err)
			require.NotNil(t, rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
	assert.Nil(t, mapError(nil))
}

func TestMapErrorIncludesSuggestion(t *testing.T) {
	err := qerrors.New(qerrors.CodeToolUnavailable, "qdrant unreachable", nil).
		WithSuggestion("check the qdrant url in the workspace config")
	rpcErr := mapError(err)
	assert.Contains(t, rpcErr.Message, "qdrant unreachable")
	assert.Contains(t, rpcErr.Message, "workspace config")
}

func TestHTTPHandlerIsMounted(t *testing.T) {
	s := testServer(t, &mockEngine{})
	assert.NotNil(t, s.HTTPHandler())
}
