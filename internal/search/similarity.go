package search

import (
	"fmt"
	"strings"
)

// metricScores are the per-metric components of one document pair.
type metricScores struct {
	Entity    float64
	Topic     float64
	Metadata  float64
	Hierarchy float64
}

// composite is the weighted sum the relationship, similarity and clustering
// tools share.
func (w Weights) composite(m metricScores) float64 {
	return w.Entity*m.Entity + w.Topic*m.Topic + w.Metadata*m.Metadata + w.Hierarchy*m.Hierarchy
}

// score computes all metric components for a document pair.
func score(a, b *document) metricScores {
	return metricScores{
		Entity:    jaccard(a.entities, b.entities),
		Topic:     jaccard(a.topics, b.topics),
		Metadata:  metadataOverlap(a, b),
		Hierarchy: hierarchyProximity(a.crumbs, b.crumbs),
	}
}

// explain renders the dominant components of a pair score.
func (m metricScores) explain() string {
	var parts []string
	if m.Entity > 0 {
		parts = append(parts, fmt.Sprintf("shared entities %.2f", m.Entity))
	}
	if m.Topic > 0 {
		parts = append(parts, fmt.Sprintf("topic overlap %.2f", m.Topic))
	}
	if m.Metadata > 0 {
		parts = append(parts, fmt.Sprintf("metadata overlap %.2f", m.Metadata))
	}
	if m.Hierarchy > 0 {
		parts = append(parts, fmt.Sprintf("hierarchy proximity %.2f", m.Hierarchy))
	}
	if len(parts) == 0 {
		return "no overlap"
	}
	return strings.Join(parts, ", ")
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for k := range small {
		if large[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// metadataKeys are the payload fields compared for metadata overlap.
var metadataKeys = []string{
	"project_id", "source_type", "source_name", "author", "space_key",
	"file_type", "issue_type", "status",
}

// metadataOverlap is the fraction of compared fields present on both
// documents with equal values.
func metadataOverlap(a, b *document) float64 {
	compared, matched := 0, 0
	for _, k := range metadataKeys {
		av, bv := a.Payload[k], b.Payload[k]
		if av == "" || bv == "" {
			continue
		}
		compared++
		if av == bv {
			matched++
		}
	}
	if compared == 0 {
		return 0
	}
	return float64(matched) / float64(compared)
}

// hierarchyProximity is the shared breadcrumb prefix over the longer path.
// Documents without breadcrumbs score zero.
func hierarchyProximity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for shared < len(a) && shared < len(b) && a[shared] == b[shared] {
		shared++
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return float64(shared) / float64(longer)
}

// contentDuplication measures how much of the smaller document's vocabulary
// the other already covers.
func contentDuplication(a, b *document) float64 {
	if len(a.terms) == 0 || len(b.terms) == 0 {
		return 0
	}
	small, large := a.terms, b.terms
	if len(b.terms) < len(a.terms) {
		small, large = b.terms, a.terms
	}
	inter := 0
	for t := range small {
		if large[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}

// contextCompatibility grades how naturally two documents sit together.
func contextCompatibility(a, b *document) float64 {
	switch {
	case a.ProjectID == b.ProjectID && a.SourceType == b.SourceType:
		return 1.0
	case a.ProjectID == b.ProjectID:
		return 0.8
	case a.SourceType == b.SourceType:
		return 0.6
	default:
		return 0.4
	}
}
