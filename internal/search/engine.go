package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

// Search runs hybrid retrieval: a vector search and, when a keyword index
// is configured, a BM25 search, fused with reciprocal rank fusion. Results
// are top-limit chunks ordered by fused score.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	return e.search(ctx, req, req.limit(), nil)
}

// search is the shared retrieval core; extra is ANDed onto the scope filter.
func (e *Engine) search(ctx context.Context, req Request, k int, extra *pb.Filter) ([]Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, qerrors.New(qerrors.CodeInvalidParams, "query must not be empty", nil)
	}

	vecs, err := e.emb.Embed(ctx, []string{query})
	if err != nil {
		return nil, qerrors.Newf(qerrors.CodeToolUnavailable, err, "embed query")
	}
	if len(vecs) != 1 {
		return nil, qerrors.Newf(qerrors.CodeInternal, nil, "embedder returned %d vectors for one query", len(vecs))
	}

	filter := vectorstore.And(e.scopeFilter(req), extra)
	points, err := e.vectors.Search(ctx, vecs[0], k, filter)
	if err != nil {
		return nil, qerrors.Newf(qerrors.CodeToolUnavailable, err, "vector search")
	}

	results := make([]Result, 0, len(points))
	for _, sp := range points {
		r := resultFromPoint(sp)
		r.Score = r.VectorScore
		results = append(results, r)
	}

	if e.keyword == nil {
		return results, nil
	}
	return e.fuse(ctx, query, req, results, k)
}

// fuse combines the vector results with a BM25 search over the keyword
// index. Keyword-only hits are hydrated from the vector store so every
// returned result carries its payload.
func (e *Engine) fuse(ctx context.Context, query string, req Request, vecResults []Result, k int) ([]Result, error) {
	hits, err := e.keyword.Search(ctx, query, k, req.ProjectIDs)
	if err != nil {
		e.logger.Warn("keyword search failed, vector-only results",
			slog.String("error", err.Error()))
		return vecResults, nil
	}

	type ranked struct {
		res     Result
		vecRank int
		kwRank  int
	}
	byChunk := make(map[string]*ranked, len(vecResults)+len(hits))
	for i, r := range vecResults {
		byChunk[r.ChunkID] = &ranked{res: r, vecRank: i + 1}
	}

	var missing []string
	for i, h := range hits {
		if f, ok := byChunk[h.ChunkID]; ok {
			f.kwRank = i + 1
			f.res.KeywordScore = h.Score
			continue
		}
		byChunk[h.ChunkID] = &ranked{
			res:    Result{ChunkID: h.ChunkID, KeywordScore: h.Score},
			kwRank: i + 1,
		}
		missing = append(missing, h.ChunkID)
	}
	if len(missing) > 0 {
		points, err := e.vectors.Retrieve(ctx, missing)
		if err != nil {
			return nil, qerrors.Newf(qerrors.CodeToolUnavailable, err, "hydrate keyword hits")
		}
		for _, sp := range points {
			if f, ok := byChunk[sp.ChunkID]; ok {
				kwScore := f.res.KeywordScore
				f.res = resultFromPoint(sp)
				f.res.VectorScore = 0
				f.res.KeywordScore = kwScore
			}
		}
		// A hit absent from the vector store is a stale index entry.
		for _, id := range missing {
			if f := byChunk[id]; f.res.DocumentID == "" {
				delete(byChunk, id)
			}
		}
	}

	// RRF: score = Σ 1/(k + rank); a list a chunk is absent from
	// contributes at rank max(len)+1.
	kc := float64(e.cfg.RRFConstant)
	missingRank := float64(maxInt(len(vecResults), len(hits)) + 1)
	for _, f := range byChunk {
		vr, kr := missingRank, missingRank
		if f.vecRank > 0 {
			vr = float64(f.vecRank)
		}
		if f.kwRank > 0 {
			kr = float64(f.kwRank)
		}
		f.res.Score = 1/(kc+vr) + 1/(kc+kr)
	}

	fused := make([]Result, 0, len(byChunk))
	for _, f := range byChunk {
		fused = append(fused, f.res)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if fused[i].VectorScore != fused[j].VectorScore {
			return fused[i].VectorScore > fused[j].VectorScore
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// scopeFilter builds the project/source-type isolation filter.
func (e *Engine) scopeFilter(req Request) *pb.Filter {
	var conds []*pb.Condition
	switch len(req.ProjectIDs) {
	case 0:
	case 1:
		conds = append(conds, vectorstore.Eq("project_id", req.ProjectIDs[0]))
	default:
		conds = append(conds, vectorstore.In("project_id", req.ProjectIDs...))
	}
	switch len(req.SourceTypes) {
	case 0:
	case 1:
		conds = append(conds, vectorstore.Eq("source_type", req.SourceTypes[0]))
	default:
		conds = append(conds, vectorstore.In("source_type", req.SourceTypes...))
	}
	return vectorstore.Must(conds...)
}

// candidates retrieves the analysis candidate pool and aggregates chunks
// into per-document views.
func (e *Engine) candidates(ctx context.Context, req Request) ([]*document, error) {
	results, err := e.search(ctx, req, e.cfg.CandidatePool, nil)
	if err != nil {
		return nil, err
	}
	return aggregate(results), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
