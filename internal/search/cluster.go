package search

import (
	"context"
	"sort"
	"strings"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// ClusterStrategy selects the pairwise similarity the clustering uses.
type ClusterStrategy string

const (
	StrategyMixedFeatures ClusterStrategy = "mixed_features"
	StrategyEntityBased   ClusterStrategy = "entity_based"
	StrategyTopicBased    ClusterStrategy = "topic_based"
	StrategyProjectBased  ClusterStrategy = "project_based"
)

// ClusterRequest parameterizes ClusterDocuments.
type ClusterRequest struct {
	Request
	Strategy       ClusterStrategy
	MaxClusters    int
	MinClusterSize int
	// MinSimilarity stops merging below this single-linkage distance.
	MinSimilarity float64
}

// Cluster is one group of related documents.
type Cluster struct {
	Label       string
	DocumentIDs []string
	Titles      []string
	Size        int
}

// ClusterDocuments runs single-linkage agglomerative clustering over the
// candidate pool. Clusters below MinClusterSize are reported separately as
// unclustered.
func (e *Engine) ClusterDocuments(ctx context.Context, req ClusterRequest) (clusters []Cluster, unclustered []string, err error) {
	if req.Strategy == "" {
		req.Strategy = StrategyMixedFeatures
	}
	if req.MaxClusters <= 0 {
		req.MaxClusters = 10
	}
	if req.MinClusterSize <= 0 {
		req.MinClusterSize = 2
	}
	if req.MinSimilarity <= 0 {
		req.MinSimilarity = 0.2
	}

	sim, err := e.pairwise(req.Strategy)
	if err != nil {
		return nil, nil, err
	}
	docs, err := e.candidates(ctx, req.Request)
	if err != nil {
		return nil, nil, err
	}
	if len(docs) == 0 {
		return nil, nil, nil
	}

	groups := agglomerate(docs, sim, req.MinSimilarity, req.MaxClusters)

	for _, g := range groups {
		if len(g) < req.MinClusterSize {
			for _, d := range g {
				unclustered = append(unclustered, d.ID)
			}
			continue
		}
		c := Cluster{Size: len(g), Label: clusterLabel(g)}
		for _, d := range g {
			c.DocumentIDs = append(c.DocumentIDs, d.ID)
			c.Titles = append(c.Titles, d.Title)
		}
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].Label < clusters[j].Label
	})
	sort.Strings(unclustered)
	return clusters, unclustered, nil
}

func (e *Engine) pairwise(strategy ClusterStrategy) (func(a, b *document) float64, error) {
	switch strategy {
	case StrategyMixedFeatures:
		return func(a, b *document) float64 {
			return e.cfg.Weights.composite(score(a, b))
		}, nil
	case StrategyEntityBased:
		return func(a, b *document) float64 {
			return jaccard(a.entities, b.entities)
		}, nil
	case StrategyTopicBased:
		return func(a, b *document) float64 {
			return jaccard(a.topics, b.topics)
		}, nil
	case StrategyProjectBased:
		return func(a, b *document) float64 {
			if a.ProjectID == b.ProjectID {
				return 1
			}
			return 0
		}, nil
	default:
		return nil, qerrors.Newf(qerrors.CodeInvalidParams, nil, "unknown cluster strategy %q", strategy)
	}
}

// agglomerate merges the closest pair of clusters (single linkage: the max
// similarity between any cross-pair). Merging continues while the best pair
// reaches the threshold, and past it when the cluster count still exceeds
// maxClusters.
func agglomerate(docs []*document, sim func(a, b *document) float64, threshold float64, maxClusters int) [][]*document {
	clusters := make([][]*document, len(docs))
	for i, d := range docs {
		clusters[i] = []*document{d}
	}

	for len(clusters) > 1 {
		bestI, bestJ, best := -1, -1, 0.0
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				if s := linkage(clusters[i], clusters[j], sim); s > best {
					best, bestI, bestJ = s, i, j
				}
			}
		}
		if bestI < 0 {
			break
		}
		if best < threshold && len(clusters) <= maxClusters {
			break
		}
		clusters[bestI] = append(clusters[bestI], clusters[bestJ]...)
		clusters = append(clusters[:bestJ], clusters[bestJ+1:]...)
	}
	return clusters
}

func linkage(a, b []*document, sim func(x, y *document) float64) float64 {
	best := 0.0
	for _, x := range a {
		for _, y := range b {
			if s := sim(x, y); s > best {
				best = s
			}
		}
	}
	return best
}

// clusterLabel names a cluster by its most shared topics.
func clusterLabel(docs []*document) string {
	counts := make(map[string]int)
	for _, d := range docs {
		for t := range d.topics {
			counts[t]++
		}
	}
	type tc struct {
		term  string
		count int
	}
	ranked := make([]tc, 0, len(counts))
	for t, c := range counts {
		ranked = append(ranked, tc{t, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].term < ranked[j].term
	})
	var label []string
	for i := 0; i < len(ranked) && i < 3; i++ {
		label = append(label, ranked[i].term)
	}
	if len(label) == 0 {
		return "untitled"
	}
	return strings.Join(label, ", ")
}
