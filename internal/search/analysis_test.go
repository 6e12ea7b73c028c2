package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

func analysisEngine(points ...vectorstore.ScoredPoint) *Engine {
	return testEngine(&fakeVec{points: points}, nil)
}

func TestAggregateGroupsChunksByDocument(t *testing.T) {
	docs := aggregate([]Result{
		{ChunkID: "c1", DocumentID: "d1", Title: "A", Content: "first part", Score: 0.9, Payload: map[string]string{}},
		{ChunkID: "c2", DocumentID: "d1", Title: "A", Content: "second part", Score: 0.5, Payload: map[string]string{}},
		{ChunkID: "c3", DocumentID: "d2", Title: "B", Content: "other", Score: 0.7, Payload: map[string]string{}},
	})
	require.Len(t, docs, 2)
	assert.Equal(t, "d1", docs[0].ID)
	assert.Equal(t, 0.9, docs[0].Score)
	assert.Contains(t, docs[0].Content, "first part")
	assert.Contains(t, docs[0].Content, "second part")
}

func TestCompositeSimilarityWeights(t *testing.T) {
	w := Weights{Entity: 0.30, Topic: 0.30, Metadata: 0.20, Hierarchy: 0.20}
	assert.InDelta(t, 1.0, w.composite(metricScores{Entity: 1, Topic: 1, Metadata: 1, Hierarchy: 1}), 1e-9)
	assert.InDelta(t, 0.30, w.composite(metricScores{Topic: 1}), 1e-9)
	assert.Zero(t, w.composite(metricScores{}))
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"x": true, "y": true}
	b := map[string]bool{"y": true, "z": true}
	assert.InDelta(t, 1.0/3.0, jaccard(a, b), 1e-9)
	assert.Zero(t, jaccard(a, nil))
	assert.InDelta(t, 1.0, jaccard(a, a), 1e-9)
}

func TestHierarchyProximity(t *testing.T) {
	assert.InDelta(t, 0.5, hierarchyProximity(
		[]string{"Handbook", "Eng"},
		[]string{"Handbook", "Sales", "EMEA", "Team"}), 1e-9)
	assert.Zero(t, hierarchyProximity(nil, []string{"Handbook"}))
	assert.InDelta(t, 1.0, hierarchyProximity([]string{"A"}, []string{"A"}), 1e-9)
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities("The Qdrant Loader talks to Confluence Cloud and plain files")
	assert.True(t, entities["qdrant loader"])
	assert.True(t, entities["confluence cloud"])
	assert.False(t, entities["plain"])
}

func TestAnalyzeRelationshipsEmitsEdges(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "Postgres Guide", "postgres connection pooling tuning postgres pooling", 0.9, nil),
		point("c2", "d2", "Pooling Notes", "connection pooling tuning advice pooling postgres", 0.8, nil),
		point("c3", "d3", "Cooking", "banana bread recipe flour sugar oven baking", 0.7, map[string]string{
			"project_id": "p9", "source_type": "localfile", "source_name": "kitchen",
		}),
	)

	edges, err := e.AnalyzeRelationships(context.Background(), Request{Query: "pooling", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, edges)
	assert.Equal(t, "d1", edges[0].DocumentA)
	assert.Equal(t, "d2", edges[0].DocumentB)
	assert.NotEmpty(t, edges[0].Explanation)

	// Determinism: same candidates, same edge list.
	again, err := e.AnalyzeRelationships(context.Background(), Request{Query: "pooling", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, edges, again)
}

func TestFindSimilarRanksByComposite(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "Target", "kubernetes deployment rollout strategy kubernetes", 0.9, nil),
		point("c2", "d2", "Close", "kubernetes rollout strategy notes kubernetes deployment", 0.8, nil),
		point("c3", "d3", "Far", "gardening tulips watering schedule spring bulbs", 0.7, nil),
	)

	similar, err := e.FindSimilar(context.Background(), Request{Query: "kubernetes", Limit: 10}, "", 5)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "d2", similar[0].DocumentID)
	assert.Greater(t, similar[0].Score, similar[1].Score)

	byID, err := e.FindSimilar(context.Background(), Request{Query: "kubernetes", Limit: 10}, "d2", 5)
	require.NoError(t, err)
	require.NotEmpty(t, byID)
	assert.Equal(t, "d1", byID[0].DocumentID)
}

func TestDetectConflictsValueMismatch(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "Install v1", "install guide requires version 1.2 for the loader runtime install guide", 0.9, nil),
		point("c2", "d2", "Install v2", "install guide requires version 2.0 for the loader runtime install guide", 0.8, nil),
	)

	conflicts, err := e.DetectConflicts(context.Background(), Request{Query: "install", Limit: 10})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "value_mismatch", conflicts[0].Kind)
	assert.Contains(t, conflicts[0].Explanation, "version")
}

func TestDetectConflictsKeywordOpposition(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "Policy A", "caching policy always enable compression for transfers caching policy", 0.9, nil),
		point("c2", "d2", "Policy B", "caching policy should disable compression for transfers caching policy", 0.8, nil),
	)

	conflicts, err := e.DetectConflicts(context.Background(), Request{Query: "caching", Limit: 10})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "keyword_opposition", conflicts[0].Kind)
}

func TestDetectConflictsRequiresTopicOverlap(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "A", "enable compression transfers caching policy network", 0.9, nil),
		point("c2", "d2", "B", "disable sprinklers garden watering tulips spring", 0.8, nil),
	)

	conflicts, err := e.DetectConflicts(context.Background(), Request{Query: "x", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestFindComplementaryPenalizesDuplication(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "Target", "kubernetes deployment rollout strategy guide", 0.9, nil),
		point("c2", "d2", "Duplicate", "kubernetes deployment rollout strategy guide", 0.8, nil),
		point("c3", "d3", "Complement", "kubernetes monitoring alerts dashboards prometheus deployment", 0.7, nil),
	)

	recs, err := e.FindComplementary(context.Background(), Request{Query: "kubernetes", Limit: 10}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "d3", recs[0].DocumentID)
}

func TestClusterDocuments(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "Pg One", "postgres tuning checkpoint settings postgres tuning", 0.9, nil),
		point("c2", "d2", "Pg Two", "postgres tuning autovacuum settings postgres tuning", 0.8, nil),
		point("c3", "d3", "K8s", "kubernetes ingress controller routing traffic mesh", 0.7, nil),
	)

	clusters, unclustered, err := e.ClusterDocuments(context.Background(), ClusterRequest{
		Request:  Request{Query: "infra", Limit: 10},
		Strategy: StrategyTopicBased,
	})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"d1", "d2"}, clusters[0].DocumentIDs)
	assert.Equal(t, 2, clusters[0].Size)
	assert.NotEmpty(t, clusters[0].Label)
	assert.Equal(t, []string{"d3"}, unclustered)
}

func TestClusterProjectBased(t *testing.T) {
	e := analysisEngine(
		point("c1", "d1", "A", "alpha content words here", 0.9, nil),
		point("c2", "d2", "B", "totally different text entirely", 0.8, nil),
		point("c3", "d3", "C", "unrelated third document body", 0.7, map[string]string{"project_id": "p2"}),
	)

	clusters, unclustered, err := e.ClusterDocuments(context.Background(), ClusterRequest{
		Request:  Request{Query: "anything", Limit: 10},
		Strategy: StrategyProjectBased,
	})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"d1", "d2"}, clusters[0].DocumentIDs)
	assert.Equal(t, []string{"d3"}, unclustered)
}

func TestClusterUnknownStrategy(t *testing.T) {
	e := analysisEngine()
	_, _, err := e.ClusterDocuments(context.Background(), ClusterRequest{
		Request:  Request{Query: "x"},
		Strategy: "galactic",
	})
	require.Error(t, err)
}
