package search

import (
	"sort"
	"strings"
	"unicode"
)

// document is the per-document aggregation of its candidate chunks, with
// the text features the cross-document analyses score on.
type document struct {
	ID         string
	Title      string
	ProjectID  string
	SourceType string
	SourceName string
	SourceURI  string
	Score      float64
	Content    string
	Payload    map[string]string

	entities map[string]bool
	topics   map[string]bool
	terms    map[string]bool
	crumbs   []string
}

// aggregate groups chunk results into documents, keeping the best chunk
// score and concatenating content. Output order is by score then id so the
// analyses are deterministic.
func aggregate(results []Result) []*document {
	byDoc := make(map[string]*document)
	var order []string
	for _, r := range results {
		d, ok := byDoc[r.DocumentID]
		if !ok {
			d = &document{
				ID:         r.DocumentID,
				Title:      r.Title,
				ProjectID:  r.ProjectID,
				SourceType: r.SourceType,
				SourceName: r.SourceName,
				SourceURI:  r.SourceURI,
				Payload:    r.Payload,
			}
			byDoc[r.DocumentID] = d
			order = append(order, r.DocumentID)
		}
		if r.Score > d.Score {
			d.Score = r.Score
		}
		if d.Content != "" {
			d.Content += "\n"
		}
		d.Content += r.Content
	}

	docs := make([]*document, 0, len(byDoc))
	for _, id := range order {
		d := byDoc[id]
		d.extractFeatures()
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

const topicLimit = 12

func (d *document) extractFeatures() {
	d.entities = extractEntities(d.Title + " " + d.Content)
	for _, label := range strings.Split(d.Payload["labels"], ",") {
		if label = strings.TrimSpace(strings.ToLower(label)); label != "" {
			d.entities[label] = true
		}
	}
	d.terms = termSet(d.Content)
	d.topics = topTopics(d.Content, topicLimit)
	if bc := d.Payload["breadcrumb"]; bc != "" {
		for _, seg := range strings.Split(bc, " > ") {
			if seg = strings.TrimSpace(seg); seg != "" {
				d.crumbs = append(d.crumbs, seg)
			}
		}
	}
}

// extractEntities collects capitalized word runs, the cheap deterministic
// stand-in for named entities.
func extractEntities(text string) map[string]bool {
	entities := make(map[string]bool)
	var run []string
	flush := func() {
		if len(run) > 0 {
			entity := strings.ToLower(strings.Join(run, " "))
			if len(entity) >= 3 && !stopwords[entity] {
				entities[entity] = true
			}
			run = run[:0]
		}
	}
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		r := []rune(word)
		if len(r) >= 2 && unicode.IsUpper(r[0]) && !allUpper(r) &&
			!functionWords[strings.ToLower(word)] {
			run = append(run, word)
		} else {
			flush()
		}
	}
	flush()
	return entities
}

func allUpper(r []rune) bool {
	for _, c := range r {
		if unicode.IsLower(c) {
			return false
		}
	}
	return true
}

// termSet lowercases and filters the content vocabulary.
func termSet(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range tokenize(text) {
		terms[w] = true
	}
	return terms
}

// topTopics returns the most frequent terms, count-desc then alphabetical
// so the set is stable.
func topTopics(text string, limit int) map[string]bool {
	counts := make(map[string]int)
	for _, w := range tokenize(text) {
		counts[w]++
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
	topics := make(map[string]bool, limit)
	for i := 0; i < len(ranked) && i < limit; i++ {
		topics[ranked[i].term] = true
	}
	return topics
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, w := range fields {
		if len(w) >= 4 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// functionWords never start or continue an entity run even when
// sentence-capitalized.
var functionWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "by": true, "from": true, "this": true, "that": true,
	"it": true, "its": true, "is": true, "are": true, "was": true, "were": true,
	"as": true, "if": true,
}

var stopwords = map[string]bool{
	"about": true, "after": true, "also": true, "been": true, "before": true,
	"being": true, "between": true, "both": true, "does": true, "each": true,
	"from": true, "have": true, "here": true, "into": true, "more": true,
	"most": true, "only": true, "other": true, "over": true, "same": true,
	"should": true, "some": true, "such": true, "than": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "through": true, "under": true, "very": true,
	"were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "will": true, "with": true, "would": true, "your": true,
}
