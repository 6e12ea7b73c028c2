package mcpserver

import (
	"github.com/thanhbn/qdrant-loader-sub001/internal/search"
)

// SearchInput is the input schema shared by the plain search tool.
type SearchInput struct {
	Query       string   `json:"query" jsonschema:"the natural-language search query"`
	Limit       int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	ProjectIDs  []string `json:"project_ids,omitempty" jsonschema:"restrict results to these project ids"`
	SourceTypes []string `json:"source_types,omitempty" jsonschema:"restrict results to these source types: git, confluence, jira, publicdocs, localfile"`
}

func (in SearchInput) request() search.Request {
	return search.Request{
		Query:       in.Query,
		Limit:       in.Limit,
		ProjectIDs:  in.ProjectIDs,
		SourceTypes: in.SourceTypes,
	}
}

// ResultOutput is one scored chunk in a tool response.
type ResultOutput struct {
	DocumentID   string  `json:"document_id" jsonschema:"stable id of the source document"`
	ChunkID      string  `json:"chunk_id" jsonschema:"stable id of the matched chunk"`
	Title        string  `json:"title" jsonschema:"document title"`
	Content      string  `json:"content" jsonschema:"matched chunk text"`
	Score        float64 `json:"score" jsonschema:"fused relevance score"`
	VectorScore  float64 `json:"vector_score,omitempty" jsonschema:"semantic similarity score"`
	KeywordScore float64 `json:"keyword_score,omitempty" jsonschema:"bm25 score when the chunk matched the keyword index"`
	ProjectID    string  `json:"project_id,omitempty" jsonschema:"owning project"`
	SourceType   string  `json:"source_type,omitempty" jsonschema:"connector type the document came from"`
	SourceName   string  `json:"source_name,omitempty" jsonschema:"configured source name"`
	SourceURI    string  `json:"source_uri,omitempty" jsonschema:"canonical location of the document"`
}

// SearchOutput is the search tool response.
type SearchOutput struct {
	Results []ResultOutput `json:"results" jsonschema:"scored results, best first"`
}

func toResultOutput(r search.Result) ResultOutput {
	return ResultOutput{
		DocumentID:   r.DocumentID,
		ChunkID:      r.ChunkID,
		Title:        r.Title,
		Content:      r.Content,
		Score:        r.Score,
		VectorScore:  r.VectorScore,
		KeywordScore: r.KeywordScore,
		ProjectID:    r.ProjectID,
		SourceType:   r.SourceType,
		SourceName:   r.SourceName,
		SourceURI:    r.SourceURI,
	}
}

// HierarchyFilterInput narrows hierarchy results.
type HierarchyFilterInput struct {
	Depth       *int   `json:"depth,omitempty" jsonschema:"only documents at exactly this depth, root is 0"`
	HasChildren *bool  `json:"has_children,omitempty" jsonschema:"only documents that do or do not have children"`
	ParentTitle string `json:"parent_title,omitempty" jsonschema:"only direct children of the document with this title"`
	RootOnly    bool   `json:"root_only,omitempty" jsonschema:"only root documents"`
}

// HierarchySearchInput is the hierarchy_search tool input.
type HierarchySearchInput struct {
	SearchInput
	OrganizeByHierarchy bool                 `json:"organize_by_hierarchy,omitempty" jsonschema:"group results under their root document"`
	Filter              HierarchyFilterInput `json:"filter,omitempty" jsonschema:"structural filters applied after retrieval"`
}

// HierarchyResultOutput is one hierarchy-resolved result.
type HierarchyResultOutput struct {
	ResultOutput
	ParentDocumentID string   `json:"parent_document_id,omitempty" jsonschema:"id of the direct parent document"`
	Breadcrumb       []string `json:"breadcrumb,omitempty" jsonschema:"titles from root to this document"`
	Depth            int      `json:"depth" jsonschema:"distance from the root document"`
	ChildrenIDs      []string `json:"children_ids,omitempty" jsonschema:"ids of direct child documents"`
	HasChildren      bool     `json:"has_children" jsonschema:"whether the document has children"`
}

// HierarchyGroupOutput is one root document's bucket of results.
type HierarchyGroupOutput struct {
	RootID    string                  `json:"root_id" jsonschema:"id of the root document"`
	RootTitle string                  `json:"root_title" jsonschema:"title of the root document"`
	Results   []HierarchyResultOutput `json:"results" jsonschema:"results under this root, shallow first"`
}

// HierarchySearchOutput is the hierarchy_search tool response.
type HierarchySearchOutput struct {
	Results []HierarchyResultOutput `json:"results" jsonschema:"scored results with their resolved positions"`
	Groups  []HierarchyGroupOutput  `json:"groups,omitempty" jsonschema:"per-root grouping, present when organize_by_hierarchy is set"`
}

func toHierarchyResultOutput(hr search.HierarchyResult) HierarchyResultOutput {
	return HierarchyResultOutput{
		ResultOutput:     toResultOutput(hr.Result),
		ParentDocumentID: hr.ParentDocumentID,
		Breadcrumb:       hr.Breadcrumb,
		Depth:            hr.Depth,
		ChildrenIDs:      hr.ChildrenIDs,
		HasChildren:      hr.HasChildren,
	}
}

// AttachmentFilterInput narrows attachment results.
type AttachmentFilterInput struct {
	FileType            string `json:"file_type,omitempty" jsonschema:"only attachments of this file type, e.g. pdf"`
	FileSizeMin         int64  `json:"file_size_min,omitempty" jsonschema:"only attachments at least this many bytes"`
	FileSizeMax         int64  `json:"file_size_max,omitempty" jsonschema:"only attachments at most this many bytes"`
	Author              string `json:"author,omitempty" jsonschema:"only attachments uploaded by this author"`
	ParentDocumentTitle string `json:"parent_document_title,omitempty" jsonschema:"only attachments of the document with this title"`
}

// AttachmentSearchInput is the attachment_search tool input.
type AttachmentSearchInput struct {
	SearchInput
	IncludeParentContext bool                  `json:"include_parent_context,omitempty" jsonschema:"include the parent document's best-matching chunk"`
	Filter               AttachmentFilterInput `json:"filter,omitempty" jsonschema:"attachment filters applied after retrieval"`
}

// AttachmentResultOutput is one attachment hit.
type AttachmentResultOutput struct {
	ResultOutput
	FileName         string `json:"file_name" jsonschema:"original attachment file name"`
	FileType         string `json:"file_type,omitempty" jsonschema:"file extension"`
	MimeType         string `json:"mime_type,omitempty" jsonschema:"detected mime type"`
	FileSize         int64  `json:"file_size,omitempty" jsonschema:"size in bytes"`
	ParentDocumentID string `json:"parent_document_id,omitempty" jsonschema:"id of the document the attachment belongs to"`
	ParentTitle      string `json:"parent_title,omitempty" jsonschema:"title of the parent document"`
	ParentContext    string `json:"parent_context,omitempty" jsonschema:"parent chunk text, present when include_parent_context is set"`
}

// AttachmentSearchOutput is the attachment_search tool response.
type AttachmentSearchOutput struct {
	Results []AttachmentResultOutput `json:"results" jsonschema:"scored attachment results, best first"`
}

func toAttachmentResultOutput(ar search.AttachmentResult) AttachmentResultOutput {
	return AttachmentResultOutput{
		ResultOutput:     toResultOutput(ar.Result),
		FileName:         ar.FileName,
		FileType:         ar.FileType,
		MimeType:         ar.MimeType,
		FileSize:         ar.FileSize,
		ParentDocumentID: ar.ParentDocumentID,
		ParentTitle:      ar.ParentTitle,
		ParentContext:    ar.ParentContext,
	}
}

// RelationshipOutput is one scored document pair.
type RelationshipOutput struct {
	DocumentA   string  `json:"document_a" jsonschema:"id of the first document"`
	TitleA      string  `json:"title_a" jsonschema:"title of the first document"`
	DocumentB   string  `json:"document_b" jsonschema:"id of the second document"`
	TitleB      string  `json:"title_b" jsonschema:"title of the second document"`
	Score       float64 `json:"score" jsonschema:"composite similarity between the pair"`
	Explanation string  `json:"explanation" jsonschema:"which metrics contributed to the score"`
}

// AnalyzeRelationshipsOutput is the analyze_document_relationships response.
type AnalyzeRelationshipsOutput struct {
	Relationships []RelationshipOutput `json:"relationships" jsonschema:"pairwise relationships, strongest first"`
}

// FindSimilarInput is the find_similar_documents tool input.
type FindSimilarInput struct {
	SearchInput
	TargetDocumentID string `json:"target_document_id,omitempty" jsonschema:"compare against this document instead of the best query match"`
	MaxSimilar       int    `json:"max_similar,omitempty" jsonschema:"maximum similar documents to return, default 5"`
}

// SimilarDocumentOutput is one similar document.
type SimilarDocumentOutput struct {
	DocumentID  string             `json:"document_id" jsonschema:"id of the similar document"`
	Title       string             `json:"title" jsonschema:"title of the similar document"`
	SourceType  string             `json:"source_type,omitempty" jsonschema:"connector type of the similar document"`
	Score       float64            `json:"score" jsonschema:"composite similarity to the target"`
	Metrics     map[string]float64 `json:"metrics" jsonschema:"per-metric scores: entity, topic, metadata, hierarchy"`
	Explanation string             `json:"explanation" jsonschema:"which metrics contributed to the score"`
}

// FindSimilarOutput is the find_similar_documents response.
type FindSimilarOutput struct {
	SimilarDocuments []SimilarDocumentOutput `json:"similar_documents" jsonschema:"most similar documents, best first"`
}

// ConflictOutput is one detected contradiction.
type ConflictOutput struct {
	DocumentA   string `json:"document_a" jsonschema:"id of the first document"`
	TitleA      string `json:"title_a" jsonschema:"title of the first document"`
	DocumentB   string `json:"document_b" jsonschema:"id of the second document"`
	TitleB      string `json:"title_b" jsonschema:"title of the second document"`
	Kind        string `json:"kind" jsonschema:"conflict kind: value_mismatch or keyword_opposition"`
	Explanation string `json:"explanation" jsonschema:"what contradicts between the two documents"`
}

// DetectConflictsOutput is the detect_document_conflicts response.
type DetectConflictsOutput struct {
	Conflicts []ConflictOutput `json:"conflicts" jsonschema:"detected contradictions between topically related documents"`
}

// FindComplementaryInput is the find_complementary_content tool input.
type FindComplementaryInput struct {
	SearchInput
	MaxRecommendations int `json:"max_recommendations,omitempty" jsonschema:"maximum recommendations to return, default 5"`
}

// ComplementOutput is one complementary-content recommendation.
type ComplementOutput struct {
	DocumentID  string  `json:"document_id" jsonschema:"id of the recommended document"`
	Title       string  `json:"title" jsonschema:"title of the recommended document"`
	SourceType  string  `json:"source_type,omitempty" jsonschema:"connector type of the recommended document"`
	Score       float64 `json:"score" jsonschema:"complementarity score"`
	Explanation string  `json:"explanation" jsonschema:"topic overlap, duplication and context factors"`
}

// FindComplementaryOutput is the find_complementary_content response.
type FindComplementaryOutput struct {
	Recommendations []ComplementOutput `json:"recommendations" jsonschema:"related but non-duplicative documents, best first"`
}

// ClusterInput is the cluster_documents tool input.
type ClusterInput struct {
	SearchInput
	Strategy       string  `json:"strategy,omitempty" jsonschema:"clustering strategy: mixed_features, entity_based, topic_based, project_based"`
	MaxClusters    int     `json:"max_clusters,omitempty" jsonschema:"maximum clusters, default 10"`
	MinClusterSize int     `json:"min_cluster_size,omitempty" jsonschema:"smaller groups are reported as unclustered, default 2"`
	MinSimilarity  float64 `json:"min_similarity,omitempty" jsonschema:"minimum similarity to merge clusters, default 0.2"`
}

// ClusterOutput is one cluster of related documents.
type ClusterOutput struct {
	Label       string   `json:"label" jsonschema:"topics the cluster shares"`
	DocumentIDs []string `json:"document_ids" jsonschema:"ids of the clustered documents"`
	Titles      []string `json:"titles" jsonschema:"titles of the clustered documents"`
	Size        int      `json:"size" jsonschema:"number of documents in the cluster"`
}

// ClusterDocumentsOutput is the cluster_documents response.
type ClusterDocumentsOutput struct {
	Clusters    []ClusterOutput `json:"clusters" jsonschema:"clusters, largest first"`
	Unclustered []string        `json:"unclustered,omitempty" jsonschema:"document ids that joined no cluster"`
}
