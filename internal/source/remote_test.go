package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfluencePaginationAndHierarchy(t *testing.T) {
	var requests []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/content":
			start, _ := strconv.Atoi(r.URL.Query().Get("start"))
			requests = append(requests, start)
			w.Header().Set("Content-Type", "application/json")
			if start == 0 {
				pages := make([]map[string]any, confluencePageSize)
				for i := range pages {
					pages[i] = confluencePageJSON(fmt.Sprintf("%d", i+1), fmt.Sprintf("Page %d", i+1), nil)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"results": pages})
				return
			}
			child := confluencePageJSON("100", "Child", []map[string]any{
				{"id": "1", "title": "Page 1"},
			})
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{child}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	conn, err := NewConfluence("p1", "wiki", ConfluenceOptions{
		BaseURL:  srv.URL,
		SpaceKey: "ENG",
		Email:    "svc@example.com",
		APIToken: "token",
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, confluencePageSize+1)
	assert.Equal(t, []int{0, confluencePageSize}, requests)

	child := docByTitle(docs, "Child")
	require.NotNil(t, child)
	require.NotNil(t, child.Hierarchy)
	assert.Equal(t, 1, child.Hierarchy.Depth)
	assert.Equal(t, []string{"Page 1", "Child"}, child.Hierarchy.Breadcrumb)
	assert.Equal(t, DocumentID("p1", "confluence", "wiki", srv.URL+"/pages/1"), child.Hierarchy.ParentID)
	assert.Equal(t, "html", child.FileType)
}

func confluencePageJSON(id, title string, ancestors []map[string]any) map[string]any {
	if ancestors == nil {
		ancestors = []map[string]any{}
	}
	return map[string]any{
		"id":    id,
		"title": title,
		"body": map[string]any{
			"storage": map[string]any{"value": "<p>" + title + "</p>"},
		},
		"version": map[string]any{
			"when": "2026-02-01T10:00:00Z",
			"by":   map[string]any{"displayName": "Author"},
		},
		"ancestors": ancestors,
		"_links":    map[string]any{"webui": "/spaces/ENG/pages/" + id},
	}
}

func TestConfluenceRetryOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer srv.Close()

	conn, err := NewConfluence("p1", "wiki", ConfluenceOptions{
		BaseURL: srv.URL, SpaceKey: "ENG",
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	assert.Empty(t, docs)
	assert.Equal(t, 3, calls)
}

func TestJiraIssueDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/2/search", r.URL.Path)
		jql := r.URL.Query().Get("jql")
		assert.Contains(t, jql, `project = "PROJ"`)
		assert.Contains(t, jql, `issuetype IN ("Bug")`)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total": 1,
			"issues": []map[string]any{{
				"key": "PROJ-7",
				"fields": map[string]any{
					"summary":     "Login broken",
					"description": "Cannot sign in.",
					"updated":     "2026-02-01T10:00:00.000+0000",
					"status":      map[string]any{"name": "Open"},
					"issuetype":   map[string]any{"name": "Bug"},
					"reporter":    map[string]any{"displayName": "Reporter"},
					"comment": map[string]any{
						"comments": []map[string]any{
							{"author": map[string]any{"displayName": "Dev"}, "body": "Investigating."},
						},
					},
					"issuelinks": []map[string]any{
						{
							"type":         map[string]any{"name": "blocks"},
							"outwardIssue": map[string]any{"key": "PROJ-9"},
						},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	conn, err := NewJira("p1", "tracker", JiraOptions{
		BaseURL:           srv.URL,
		ProjectKey:        "PROJ",
		IssueTypes:        []string{"Bug"},
		RequestsPerMinute: 6000,
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, "PROJ-7: Login broken", doc.Title)
	text := string(doc.Content)
	assert.Contains(t, text, "Cannot sign in.")
	assert.Contains(t, text, "Dev: Investigating.")
	assert.Contains(t, text, "blocks PROJ-9")
	assert.Equal(t, "Bug", doc.Metadata["issue_type"])
	assert.Equal(t, "blocks PROJ-9", doc.Metadata["issue_links"])
}

func TestConfluenceAttachmentsLinkBothWays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/rest/api/content":
			page := confluencePageJSON("1", "Runbook", nil)
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{page}})
		case "/rest/api/content/1/child/attachment":
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{
				"id":    "att1",
				"title": "diagram.png",
				"extensions": map[string]any{
					"mediaType": "image/png",
					"fileSize":  4,
				},
				"_links": map[string]any{"download": "/download/att1"},
			}}})
		case "/download/att1":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	conn, err := NewConfluence("p1", "wiki", ConfluenceOptions{
		BaseURL:             srv.URL,
		SpaceKey:            "ENG",
		DownloadAttachments: true,
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 2)

	page := docByTitle(docs, "Runbook")
	require.NotNil(t, page)
	assert.Equal(t, "true", page.Metadata["has_attachments"])

	att := docByTitle(docs, "diagram.png")
	require.NotNil(t, att)
	assert.Equal(t, KindAttachment, att.Kind)
	assert.Equal(t, page.ID(), att.ParentID())
	assert.Equal(t, "Runbook", att.Metadata["parent_title"])
}

func TestConfluencePageWithoutAttachmentsUnmarked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/rest/api/content":
			page := confluencePageJSON("1", "Plain", nil)
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{page}})
		case "/rest/api/content/1/child/attachment":
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	conn, err := NewConfluence("p1", "wiki", ConfluenceOptions{
		BaseURL:             srv.URL,
		SpaceKey:            "ENG",
		DownloadAttachments: true,
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 1)
	_, marked := docs[0].Metadata["has_attachments"]
	assert.False(t, marked)
}

func TestJiraAttachmentsLinkBothWays(t *testing.T) {
	// The attachment content field carries an absolute URL, so the handler
	// needs the server address; declared first and assigned below.
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total": 1,
			"issues": []map[string]any{{
				"key": "PROJ-3",
				"fields": map[string]any{
					"summary":   "Crash on upload",
					"updated":   "2026-02-01T10:00:00.000+0000",
					"status":    map[string]any{"name": "Open"},
					"issuetype": map[string]any{"name": "Bug"},
					"reporter":  map[string]any{"displayName": "Reporter"},
					"attachment": []map[string]any{{
						"id":       "900",
						"filename": "stack.txt",
						"mimeType": "text/plain",
						"size":     11,
						"content":  srv.URL + "/secure/attachment/900/stack.txt",
					}},
				},
			}},
		})
	})
	mux.HandleFunc("/secure/attachment/900/stack.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("panic: boom"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	conn, err := NewJira("p1", "tracker", JiraOptions{
		BaseURL:             srv.URL,
		ProjectKey:          "PROJ",
		DownloadAttachments: true,
		RequestsPerMinute:   6000,
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 2)

	issue := docByTitle(docs, "PROJ-3: Crash on upload")
	require.NotNil(t, issue)
	assert.Equal(t, "true", issue.Metadata["has_attachments"])

	att := docByTitle(docs, "stack.txt")
	require.NotNil(t, att)
	assert.Equal(t, KindAttachment, att.Kind)
	assert.Equal(t, issue.ID(), att.ParentID())
	assert.Equal(t, []byte("panic: boom"), att.Content)
}

func TestPublicDocsCrawl(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/docs/":
			fmt.Fprint(w, `<html><head><title>Index</title></head><body>
				<nav>chrome</nav>
				<main>Welcome <a href="/docs/guide">guide</a>
				<a href="https://other.example.com/out">external</a></main></body></html>`)
		case "/docs/guide":
			fmt.Fprint(w, `<html><head><title>Guide</title></head><body>
				<nav>chrome</nav><main>Guide body</main></body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, err := NewPublicDocs("p1", "site", PublicDocsOptions{
		BaseURL:         srv.URL + "/docs/",
		PathPattern:     "^/docs/",
		ContentSelector: "main",
		RemoveSelectors: []string{"nav"},
	}, discardLogger())
	require.NoError(t, err)

	docs := collect(t, conn)
	require.Len(t, docs, 2)

	index := docByTitle(docs, "Index")
	require.NotNil(t, index)
	assert.NotContains(t, string(index.Content), "chrome")
	assert.NotNil(t, docByTitle(docs, "Guide"))
}

func TestJiraThrottleSpacing(t *testing.T) {
	th := newThrottle(6000) // 10ms interval
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.wait(ctx))
	}
}
