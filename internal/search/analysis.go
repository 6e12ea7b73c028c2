package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Edge is one scored relationship between two documents.
type Edge struct {
	DocumentA   string
	TitleA      string
	DocumentB   string
	TitleB      string
	Score       float64
	Explanation string
}

// relationshipThreshold drops edges with negligible composite similarity.
const relationshipThreshold = 0.05

// AnalyzeRelationships retrieves the candidate pool for the query and emits
// the pairwise composite-similarity edge list, strongest first.
func (e *Engine) AnalyzeRelationships(ctx context.Context, req Request) ([]Edge, error) {
	docs, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if n := req.limit(); len(docs) > n {
		docs = docs[:n]
	}

	var edges []Edge
	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			m := score(docs[i], docs[j])
			s := e.cfg.Weights.composite(m)
			if s < relationshipThreshold {
				continue
			}
			edges = append(edges, Edge{
				DocumentA:   docs[i].ID,
				TitleA:      docs[i].Title,
				DocumentB:   docs[j].ID,
				TitleB:      docs[j].Title,
				Score:       s,
				Explanation: m.explain(),
			})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Score != edges[j].Score {
			return edges[i].Score > edges[j].Score
		}
		if edges[i].DocumentA != edges[j].DocumentA {
			return edges[i].DocumentA < edges[j].DocumentA
		}
		return edges[i].DocumentB < edges[j].DocumentB
	})
	return edges, nil
}

// SimilarDocument is one FindSimilar hit.
type SimilarDocument struct {
	DocumentID  string
	Title       string
	SourceType  string
	Score       float64
	Metrics     metricScoresOut
	Explanation string
}

// metricScoresOut mirrors metricScores for serialization.
type metricScoresOut struct {
	Entity    float64 `json:"entity"`
	Topic     float64 `json:"topic"`
	Metadata  float64 `json:"metadata"`
	Hierarchy float64 `json:"hierarchy"`
}

// FindSimilar scores the candidate pool against a target, which is either
// the document with targetDocumentID within the pool or, when the id is
// empty, the pool's best match for the query.
func (e *Engine) FindSimilar(ctx context.Context, req Request, targetDocumentID string, maxSimilar int) ([]SimilarDocument, error) {
	if maxSimilar <= 0 {
		maxSimilar = 5
	}
	docs, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	target := docs[0]
	if targetDocumentID != "" {
		target = nil
		for _, d := range docs {
			if d.ID == targetDocumentID {
				target = d
				break
			}
		}
		if target == nil {
			return nil, nil
		}
	}

	out := make([]SimilarDocument, 0, maxSimilar)
	for _, d := range docs {
		if d.ID == target.ID {
			continue
		}
		m := score(target, d)
		out = append(out, SimilarDocument{
			DocumentID: d.ID,
			Title:      d.Title,
			SourceType: d.SourceType,
			Score:      e.cfg.Weights.composite(m),
			Metrics: metricScoresOut{
				Entity: m.Entity, Topic: m.Topic,
				Metadata: m.Metadata, Hierarchy: m.Hierarchy,
			},
			Explanation: m.explain(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if len(out) > maxSimilar {
		out = out[:maxSimilar]
	}
	return out, nil
}

// Conflict is one detected contradiction between two documents.
type Conflict struct {
	DocumentA   string
	TitleA      string
	DocumentB   string
	TitleB      string
	Kind        string
	Explanation string
}

// oppositions are keyword pairs that signal contradictory guidance when
// both documents discuss the same topics.
var oppositions = [][2]string{
	{"enable", "disable"},
	{"enabled", "disabled"},
	{"always", "never"},
	{"allow", "deny"},
	{"required", "optional"},
	{"deprecated", "recommended"},
	{"supported", "unsupported"},
	{"must", "must not"},
}

// valuePatterns extract comparable declared values from content. Ordered
// so repeated runs report the same first mismatch.
var valuePatterns = []struct {
	field string
	pat   *regexp.Regexp
}{
	{"version", regexp.MustCompile(`(?i)\bversion[:\s]+v?(\d[\w.\-]*)`)},
	{"port", regexp.MustCompile(`(?i)\bport[:\s]+(\d{2,5})\b`)},
	{"timeout", regexp.MustCompile(`(?i)\btimeout[:\s]+(\d+\s*(?:ms|s|m|seconds?|minutes?)?)\b`)},
	{"default", regexp.MustCompile(`(?i)\bdefaults?\s+(?:to|is)[:\s]+([\w.\-]+)`)},
}

// conflictTopicThreshold is the minimum topic overlap for two documents to
// be considered as talking about the same thing.
const conflictTopicThreshold = 0.2

// DetectConflicts groups the candidate pool by topic and applies the
// deterministic rule set inside each group: declared-value mismatches and
// keyword oppositions.
func (e *Engine) DetectConflicts(ctx context.Context, req Request) ([]Conflict, error) {
	docs, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			a, b := docs[i], docs[j]
			if jaccard(a.topics, b.topics) < conflictTopicThreshold {
				continue
			}
			if c, ok := checkConflict(a, b); ok {
				conflicts = append(conflicts, c)
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].DocumentA != conflicts[j].DocumentA {
			return conflicts[i].DocumentA < conflicts[j].DocumentA
		}
		return conflicts[i].DocumentB < conflicts[j].DocumentB
	})
	return conflicts, nil
}

func checkConflict(a, b *document) (Conflict, bool) {
	base := Conflict{
		DocumentA: a.ID, TitleA: a.Title,
		DocumentB: b.ID, TitleB: b.Title,
	}

	for _, vp := range valuePatterns {
		av := firstMatch(vp.pat, a.Content)
		bv := firstMatch(vp.pat, b.Content)
		if av != "" && bv != "" && !strings.EqualFold(av, bv) {
			base.Kind = "value_mismatch"
			base.Explanation = vp.field + " differs: " + av + " vs " + bv
			return base, true
		}
	}

	lowerA := " " + strings.ToLower(a.Content) + " "
	lowerB := " " + strings.ToLower(b.Content) + " "
	for _, pair := range oppositions {
		left, right := " "+pair[0]+" ", " "+pair[1]+" "
		if (strings.Contains(lowerA, left) && strings.Contains(lowerB, right)) ||
			(strings.Contains(lowerA, right) && strings.Contains(lowerB, left)) {
			base.Kind = "keyword_opposition"
			base.Explanation = "opposing guidance: " + pair[0] + " vs " + pair[1]
			return base, true
		}
	}
	return Conflict{}, false
}

func firstMatch(pat *regexp.Regexp, text string) string {
	m := pat.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Complement is one complementary-content recommendation.
type Complement struct {
	DocumentID  string
	Title       string
	SourceType  string
	Score       float64
	Explanation string
}

// FindComplementary scores every candidate against the pool's best match
// for the query: related in topic, low duplication, compatible context.
func (e *Engine) FindComplementary(ctx context.Context, req Request, maxRecommendations int) ([]Complement, error) {
	if maxRecommendations <= 0 {
		maxRecommendations = 5
	}
	docs, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(docs) < 2 {
		return nil, nil
	}

	target := docs[0]
	out := make([]Complement, 0, len(docs)-1)
	for _, d := range docs[1:] {
		topic := jaccard(target.topics, d.topics)
		dup := contentDuplication(target, d)
		compat := contextCompatibility(target, d)
		s := topic * (1 - dup) * compat
		if s == 0 {
			continue
		}
		out = append(out, Complement{
			DocumentID: d.ID,
			Title:      d.Title,
			SourceType: d.SourceType,
			Score:      s,
			Explanation: fmt.Sprintf("topic overlap %.2f, duplication %.2f, context %.2f",
				topic, dup, compat),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if len(out) > maxRecommendations {
		out = out[:maxRecommendations]
	}
	return out, nil
}
