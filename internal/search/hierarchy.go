package search

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// hierarchySourceTypes are the source types whose payload carries hierarchy.
var hierarchySourceTypes = []string{"confluence", "localfile", "git"}

// HierarchyFilter narrows hierarchy search results after retrieval.
type HierarchyFilter struct {
	Depth       *int
	HasChildren *bool
	ParentTitle string
	RootOnly    bool
}

// HierarchyRequest parameterizes HierarchySearch.
type HierarchyRequest struct {
	Request
	OrganizeByHierarchy bool
	Filter              HierarchyFilter
}

// HierarchyResult is a search hit with its resolved position.
type HierarchyResult struct {
	Result
	ParentDocumentID string
	Breadcrumb       []string
	Depth            int
	ChildrenIDs      []string
	HasChildren      bool
}

// HierarchyGroup is one root document's results, deepest-first within.
type HierarchyGroup struct {
	RootID    string
	RootTitle string
	Results   []HierarchyResult
}

// HierarchySearch runs semantic search restricted to hierarchy-bearing
// sources and resolves each hit's ancestors, children and breadcrumb from
// its payload. With OrganizeByHierarchy the flat list is grouped per root
// document.
func (e *Engine) HierarchySearch(ctx context.Context, req HierarchyRequest) ([]HierarchyResult, []HierarchyGroup, error) {
	if len(req.SourceTypes) == 0 {
		req.SourceTypes = hierarchySourceTypes
	}
	hits, err := e.search(ctx, req.Request, req.limit()*3, nil)
	if err != nil {
		return nil, nil, err
	}

	results := make([]HierarchyResult, 0, len(hits))
	for _, hit := range hits {
		hr := resolveHierarchy(hit)
		if !req.Filter.matches(hr) {
			continue
		}
		results = append(results, hr)
		if len(results) == req.limit() {
			break
		}
	}

	if !req.OrganizeByHierarchy {
		return results, nil, nil
	}
	return results, groupByRoot(results), nil
}

func resolveHierarchy(hit Result) HierarchyResult {
	hr := HierarchyResult{
		Result:           hit,
		ParentDocumentID: hit.Payload["parent_document_id"],
	}
	if d, err := strconv.Atoi(hit.Payload["hierarchy_depth"]); err == nil {
		hr.Depth = d
	}
	if bc := hit.Payload["breadcrumb"]; bc != "" {
		hr.Breadcrumb = strings.Split(bc, " > ")
	}
	if ids := hit.Payload["children_ids"]; ids != "" {
		hr.ChildrenIDs = strings.Split(ids, ",")
	}
	hr.HasChildren = hit.Payload["has_children"] == "true" || len(hr.ChildrenIDs) > 0
	if hr.ParentDocumentID == "" {
		if anc := hit.Payload["ancestors"]; anc != "" {
			parts := strings.Split(anc, ",")
			hr.ParentDocumentID = parts[len(parts)-1]
		}
	}
	return hr
}

func (f HierarchyFilter) matches(hr HierarchyResult) bool {
	if f.RootOnly && hr.Depth != 0 {
		return false
	}
	if f.Depth != nil && hr.Depth != *f.Depth {
		return false
	}
	if f.HasChildren != nil && hr.HasChildren != *f.HasChildren {
		return false
	}
	if f.ParentTitle != "" {
		if len(hr.Breadcrumb) < 2 ||
			!strings.EqualFold(hr.Breadcrumb[len(hr.Breadcrumb)-2], f.ParentTitle) {
			return false
		}
	}
	return true
}

// groupByRoot buckets results by their root ancestor (the document itself
// when it has none). Groups are ordered by best score; within a group,
// depth ascending then score descending.
func groupByRoot(results []HierarchyResult) []HierarchyGroup {
	byRoot := make(map[string]*HierarchyGroup)
	var order []string
	for _, hr := range results {
		rootID := hr.DocumentID
		rootTitle := hr.Title
		if anc := hr.Payload["ancestors"]; anc != "" {
			rootID = strings.Split(anc, ",")[0]
			if len(hr.Breadcrumb) > 0 {
				rootTitle = hr.Breadcrumb[0]
			}
		}
		g, ok := byRoot[rootID]
		if !ok {
			g = &HierarchyGroup{RootID: rootID, RootTitle: rootTitle}
			byRoot[rootID] = g
			order = append(order, rootID)
		}
		g.Results = append(g.Results, hr)
	}

	groups := make([]HierarchyGroup, 0, len(byRoot))
	for _, id := range order {
		g := byRoot[id]
		sort.SliceStable(g.Results, func(i, j int) bool {
			if g.Results[i].Depth != g.Results[j].Depth {
				return g.Results[i].Depth < g.Results[j].Depth
			}
			return g.Results[i].Score > g.Results[j].Score
		})
		groups = append(groups, *g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return bestScore(groups[i]) > bestScore(groups[j])
	})
	return groups
}

func bestScore(g HierarchyGroup) float64 {
	best := 0.0
	for _, r := range g.Results {
		if r.Score > best {
			best = r.Score
		}
	}
	return best
}
