package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/thanhbn/qdrant-loader-sub001/internal/search"
)

// Searcher is the slice of the retrieval engine the tools call.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
	HierarchySearch(ctx context.Context, req search.HierarchyRequest) ([]search.HierarchyResult, []search.HierarchyGroup, error)
	AttachmentSearch(ctx context.Context, req search.AttachmentRequest) ([]search.AttachmentResult, error)
	AnalyzeRelationships(ctx context.Context, req search.Request) ([]search.Edge, error)
	FindSimilar(ctx context.Context, req search.Request, targetDocumentID string, maxSimilar int) ([]search.SimilarDocument, error)
	DetectConflicts(ctx context.Context, req search.Request) ([]search.Conflict, error)
	FindComplementary(ctx context.Context, req search.Request, maxRecommendations int) ([]search.Complement, error)
	ClusterDocuments(ctx context.Context, req search.ClusterRequest) ([]search.Cluster, []string, error)
}

// Server hosts the retrieval tools over MCP.
type Server struct {
	engine  Searcher
	logger  *slog.Logger
	mcp     *mcp.Server
	version string
}

// NewServer builds the MCP server and registers its tools.
func NewServer(engine Searcher, version string, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{engine: engine, logger: logger, version: version}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "qdrant-loader",
		Version: version,
	}, nil)
	s.registerTools()
	return s, nil
}

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

func toolInfos() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "search",
			Description: "Hybrid semantic search across all ingested sources. Combines vector similarity with keyword matching, scoped by project and source type.",
		},
		{
			Name:        "hierarchy_search",
			Description: "Search hierarchy-bearing sources and resolve each hit's position: parent, breadcrumb, depth and children. Optionally group results per root document.",
		},
		{
			Name:        "attachment_search",
			Description: "Search file attachments by content, filtered by file type, size, author or parent document. Optionally include context from the parent document.",
		},
		{
			Name:        "analyze_document_relationships",
			Description: "Score every pair of documents matching the query on shared entities, topics, metadata and hierarchy, and return the relationship graph edges.",
		},
		{
			Name:        "find_similar_documents",
			Description: "Rank documents by composite similarity to a target document, or to the best query match when no target is given.",
		},
		{
			Name:        "detect_document_conflicts",
			Description: "Find contradictions between topically related documents: mismatched declared values (versions, ports, timeouts, defaults) and opposing guidance keywords.",
		},
		{
			Name:        "find_complementary_content",
			Description: "Recommend documents related to the best query match that add information rather than duplicate it.",
		},
		{
			Name:        "cluster_documents",
			Description: "Group documents matching the query into labeled clusters by shared features, entities, topics or project.",
		},
	}
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return toolInfos()
}

func (s *Server) registerTools() {
	infos := toolInfos()
	tool := func(i int) *mcp.Tool {
		return &mcp.Tool{Name: infos[i].Name, Description: infos[i].Description}
	}
	mcp.AddTool(s.mcp, tool(0), s.handleSearch)
	mcp.AddTool(s.mcp, tool(1), s.handleHierarchySearch)
	mcp.AddTool(s.mcp, tool(2), s.handleAttachmentSearch)
	mcp.AddTool(s.mcp, tool(3), s.handleAnalyzeRelationships)
	mcp.AddTool(s.mcp, tool(4), s.handleFindSimilar)
	mcp.AddTool(s.mcp, tool(5), s.handleDetectConflicts)
	mcp.AddTool(s.mcp, tool(6), s.handleFindComplementary)
	mcp.AddTool(s.mcp, tool(7), s.handleClusterDocuments)
	s.logger.Debug("tools registered", slog.Int("count", len(infos)))
}

// CallTool invokes a tool by name with loosely typed arguments. The MCP
// transports dispatch through the typed handlers instead; this entry point
// serves direct embedding and tests.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	decode := func(into any) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(into); err != nil {
			return invalidParams(err.Error())
		}
		return nil
	}

	switch name {
	case "search":
		var in SearchInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleSearch(ctx, nil, in)
		return out, err
	case "hierarchy_search":
		var in HierarchySearchInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleHierarchySearch(ctx, nil, in)
		return out, err
	case "attachment_search":
		var in AttachmentSearchInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleAttachmentSearch(ctx, nil, in)
		return out, err
	case "analyze_document_relationships":
		var in SearchInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleAnalyzeRelationships(ctx, nil, in)
		return out, err
	case "find_similar_documents":
		var in FindSimilarInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleFindSimilar(ctx, nil, in)
		return out, err
	case "detect_document_conflicts":
		var in SearchInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleDetectConflicts(ctx, nil, in)
		return out, err
	case "find_complementary_content":
		var in FindComplementaryInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleFindComplementary(ctx, nil, in)
		return out, err
	case "cluster_documents":
		var in ClusterInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		_, out, err := s.handleClusterDocuments(ctx, nil, in)
		return out, err
	default:
		return nil, methodNotFound(name)
	}
}

// ServeStdio runs the server over stdin/stdout until ctx is canceled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server starting", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp server stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp server stopped")
	return nil
}

// HTTPHandler returns the streamable HTTP handler. Every request shares
// the one server; the transport keys sessions itself.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// ServeHTTP serves the streamable HTTP transport on addr at /mcp until
// ctx is canceled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.HTTPHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("mcp server starting",
		slog.String("transport", "http"),
		slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		s.logger.Info("mcp server stopped")
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	start := time.Now()
	results, err := s.engine.Search(ctx, in.request())
	if err != nil {
		return nil, SearchOutput{}, mapError(err)
	}
	s.logger.Info("search completed",
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))

	out := SearchOutput{Results: make([]ResultOutput, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, toResultOutput(r))
	}
	return nil, out, nil
}

func (s *Server) handleHierarchySearch(ctx context.Context, _ *mcp.CallToolRequest, in HierarchySearchInput) (*mcp.CallToolResult, HierarchySearchOutput, error) {
	req := search.HierarchyRequest{
		Request:             in.request(),
		OrganizeByHierarchy: in.OrganizeByHierarchy,
		Filter: search.HierarchyFilter{
			Depth:       in.Filter.Depth,
			HasChildren: in.Filter.HasChildren,
			ParentTitle: in.Filter.ParentTitle,
			RootOnly:    in.Filter.RootOnly,
		},
	}
	results, groups, err := s.engine.HierarchySearch(ctx, req)
	if err != nil {
		return nil, HierarchySearchOutput{}, mapError(err)
	}

	out := HierarchySearchOutput{Results: make([]HierarchyResultOutput, 0, len(results))}
	for _, hr := range results {
		out.Results = append(out.Results, toHierarchyResultOutput(hr))
	}
	for _, g := range groups {
		og := HierarchyGroupOutput{RootID: g.RootID, RootTitle: g.RootTitle}
		for _, hr := range g.Results {
			og.Results = append(og.Results, toHierarchyResultOutput(hr))
		}
		out.Groups = append(out.Groups, og)
	}
	return nil, out, nil
}

func (s *Server) handleAttachmentSearch(ctx context.Context, _ *mcp.CallToolRequest, in AttachmentSearchInput) (*mcp.CallToolResult, AttachmentSearchOutput, error) {
	req := search.AttachmentRequest{
		Request:              in.request(),
		IncludeParentContext: in.IncludeParentContext,
		Filter: search.AttachmentFilter{
			FileType:            in.Filter.FileType,
			FileSizeMin:         in.Filter.FileSizeMin,
			FileSizeMax:         in.Filter.FileSizeMax,
			Author:              in.Filter.Author,
			ParentDocumentTitle: in.Filter.ParentDocumentTitle,
		},
	}
	results, err := s.engine.AttachmentSearch(ctx, req)
	if err != nil {
		return nil, AttachmentSearchOutput{}, mapError(err)
	}

	out := AttachmentSearchOutput{Results: make([]AttachmentResultOutput, 0, len(results))}
	for _, ar := range results {
		out.Results = append(out.Results, toAttachmentResultOutput(ar))
	}
	return nil, out, nil
}

func (s *Server) handleAnalyzeRelationships(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, AnalyzeRelationshipsOutput, error) {
	edges, err := s.engine.AnalyzeRelationships(ctx, in.request())
	if err != nil {
		return nil, AnalyzeRelationshipsOutput{}, mapError(err)
	}

	out := AnalyzeRelationshipsOutput{Relationships: make([]RelationshipOutput, 0, len(edges))}
	for _, e := range edges {
		out.Relationships = append(out.Relationships, RelationshipOutput{
			DocumentA:   e.DocumentA,
			TitleA:      e.TitleA,
			DocumentB:   e.DocumentB,
			TitleB:      e.TitleB,
			Score:       e.Score,
			Explanation: e.Explanation,
		})
	}
	return nil, out, nil
}

func (s *Server) handleFindSimilar(ctx context.Context, _ *mcp.CallToolRequest, in FindSimilarInput) (*mcp.CallToolResult, FindSimilarOutput, error) {
	similar, err := s.engine.FindSimilar(ctx, in.request(), in.TargetDocumentID, in.MaxSimilar)
	if err != nil {
		return nil, FindSimilarOutput{}, mapError(err)
	}

	out := FindSimilarOutput{SimilarDocuments: make([]SimilarDocumentOutput, 0, len(similar))}
	for _, sd := range similar {
		out.SimilarDocuments = append(out.SimilarDocuments, SimilarDocumentOutput{
			DocumentID: sd.DocumentID,
			Title:      sd.Title,
			SourceType: sd.SourceType,
			Score:      sd.Score,
			Metrics: map[string]float64{
				"entity":    sd.Metrics.Entity,
				"topic":     sd.Metrics.Topic,
				"metadata":  sd.Metrics.Metadata,
				"hierarchy": sd.Metrics.Hierarchy,
			},
			Explanation: sd.Explanation,
		})
	}
	return nil, out, nil
}

func (s *Server) handleDetectConflicts(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, DetectConflictsOutput, error) {
	conflicts, err := s.engine.DetectConflicts(ctx, in.request())
	if err != nil {
		return nil, DetectConflictsOutput{}, mapError(err)
	}

	out := DetectConflictsOutput{Conflicts: make([]ConflictOutput, 0, len(conflicts))}
	for _, c := range conflicts {
		out.Conflicts = append(out.Conflicts, ConflictOutput{
			DocumentA:   c.DocumentA,
			TitleA:      c.TitleA,
			DocumentB:   c.DocumentB,
			TitleB:      c.TitleB,
			Kind:        c.Kind,
			Explanation: c.Explanation,
		})
	}
	return nil, out, nil
}

func (s *Server) handleFindComplementary(ctx context.Context, _ *mcp.CallToolRequest, in FindComplementaryInput) (*mcp.CallToolResult, FindComplementaryOutput, error) {
	recs, err := s.engine.FindComplementary(ctx, in.request(), in.MaxRecommendations)
	if err != nil {
		return nil, FindComplementaryOutput{}, mapError(err)
	}

	out := FindComplementaryOutput{Recommendations: make([]ComplementOutput, 0, len(recs))}
	for _, rec := range recs {
		out.Recommendations = append(out.Recommendations, ComplementOutput{
			DocumentID:  rec.DocumentID,
			Title:       rec.Title,
			SourceType:  rec.SourceType,
			Score:       rec.Score,
			Explanation: rec.Explanation,
		})
	}
	return nil, out, nil
}

func (s *Server) handleClusterDocuments(ctx context.Context, _ *mcp.CallToolRequest, in ClusterInput) (*mcp.CallToolResult, ClusterDocumentsOutput, error) {
	req := search.ClusterRequest{
		Request:        in.request(),
		Strategy:       search.ClusterStrategy(in.Strategy),
		MaxClusters:    in.MaxClusters,
		MinClusterSize: in.MinClusterSize,
		MinSimilarity:  in.MinSimilarity,
	}
	clusters, unclustered, err := s.engine.ClusterDocuments(ctx, req)
	if err != nil {
		return nil, ClusterDocumentsOutput{}, mapError(err)
	}

	out := ClusterDocumentsOutput{
		Clusters:    make([]ClusterOutput, 0, len(clusters)),
		Unclustered: unclustered,
	}
	for _, c := range clusters {
		out.Clusters = append(out.Clusters, ClusterOutput{
			Label:       c.Label,
			DocumentIDs: c.DocumentIDs,
			Titles:      c.Titles,
			Size:        c.Size,
		})
	}
	return nil, out, nil
}
