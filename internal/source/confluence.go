package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const confluencePageSize = 50

// ConfluenceConnector paginates the pages of one space, emitting the
// body storage-format HTML per page plus attachments as dependent
// documents. Hierarchy comes from the ancestors and children expansions.
type ConfluenceConnector struct {
	projectID string
	name      string
	baseURL   string
	spaceKey  string
	email     string
	apiToken  string
	pat       string
	downloadAttachments bool
	maxFileSize         int64
	httpClient          *http.Client
	logger              *slog.Logger
}

// ConfluenceOptions configures a confluence connector.
type ConfluenceOptions struct {
	BaseURL             string
	SpaceKey            string
	Email               string
	APIToken            string
	PAT                 string
	DownloadAttachments bool
	MaxFileSize         int64
}

// NewConfluence creates a connector for one space.
func NewConfluence(projectID, name string, opts ConfluenceOptions, logger *slog.Logger) (*ConfluenceConnector, error) {
	if opts.BaseURL == "" || opts.SpaceKey == "" {
		return nil, fmt.Errorf("confluence source %s: base_url and space_key are required", name)
	}
	return &ConfluenceConnector{
		projectID:           projectID,
		name:                name,
		baseURL:             strings.TrimRight(opts.BaseURL, "/"),
		spaceKey:            opts.SpaceKey,
		email:               opts.Email,
		apiToken:            opts.APIToken,
		pat:                 opts.PAT,
		downloadAttachments: opts.DownloadAttachments,
		maxFileSize:         opts.MaxFileSize,
		httpClient:          &http.Client{Timeout: 60 * time.Second},
		logger:              logger,
	}, nil
}

func (c *ConfluenceConnector) Type() string { return "confluence" }
func (c *ConfluenceConnector) Name() string { return c.name }

type confluencePage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		When string `json:"when"`
		By   struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`
	Ancestors []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"ancestors"`
	Children struct {
		Page struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		} `json:"page"`
	} `json:"children"`
	Metadata struct {
		Labels struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		} `json:"labels"`
	} `json:"metadata"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

type confluencePageList struct {
	Results []confluencePage `json:"results"`
	Size    int              `json:"size"`
}

type confluenceAttachment struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Extensions struct {
		MediaType string `json:"mediaType"`
		FileSize  int64  `json:"fileSize"`
	} `json:"extensions"`
	Links struct {
		Download string `json:"download"`
	} `json:"_links"`
}

func (c *ConfluenceConnector) Documents(ctx context.Context, since *time.Time) (<-chan Item, error) {
	out := make(chan Item, 16)
	go func() {
		defer close(out)
		start := 0
		for {
			page, err := c.fetchPages(ctx, start)
			if err != nil {
				emitErr(ctx, out, err)
				return
			}
			for i := range page.Results {
				if !c.emitPage(ctx, out, &page.Results[i], since) {
					return
				}
			}
			if len(page.Results) < confluencePageSize {
				return
			}
			start += len(page.Results)
		}
	}()
	return out, nil
}

func (c *ConfluenceConnector) emitPage(ctx context.Context, out chan<- Item, page *confluencePage, since *time.Time) bool {
	updated, _ := time.Parse(time.RFC3339, page.Version.When)
	if since != nil && !updated.IsZero() && updated.Before(*since) {
		return true
	}

	uri := c.baseURL + "/pages/" + page.ID
	doc := &Document{
		ProjectID:  c.projectID,
		SourceType: "confluence",
		SourceName: c.name,
		URI:        uri,
		Title:      page.Title,
		Kind:       KindText,
		Content:    []byte(page.Body.Storage.Value),
		MimeType:   "text/html",
		FileType:   "html",
		Size:       int64(len(page.Body.Storage.Value)),
		Metadata: map[string]string{
			"author":     page.Version.By.DisplayName,
			"updated_at": page.Version.When,
			"space_key":  c.spaceKey,
			"url":        c.baseURL + page.Links.WebUI,
			"page_id":    page.ID,
		},
		Hierarchy: c.hierarchyFor(page),
	}
	if labels := labelNames(page); len(labels) > 0 {
		doc.Metadata["labels"] = strings.Join(labels, ",")
	}

	// Attachments are listed before the page is emitted so the parent
	// document carries the has_attachments marker its children link back to.
	var attachments []confluenceAttachment
	if c.downloadAttachments {
		var err error
		attachments, err = c.fetchAttachments(ctx, page.ID)
		if err != nil {
			emitErr(ctx, out, fmt.Errorf("attachments for page %s: %w", page.ID, err))
			attachments = nil
		}
		if len(attachments) > 0 {
			doc.Metadata["has_attachments"] = "true"
		}
	}

	select {
	case out <- Item{Doc: doc}:
	case <-ctx.Done():
		return false
	}

	if len(attachments) > 0 {
		if !c.emitAttachments(ctx, out, page, uri, attachments) {
			return false
		}
	}
	return true
}

func (c *ConfluenceConnector) hierarchyFor(page *confluencePage) *Hierarchy {
	h := &Hierarchy{Depth: len(page.Ancestors)}
	for _, a := range page.Ancestors {
		h.Ancestors = append(h.Ancestors,
			DocumentID(c.projectID, "confluence", c.name, c.baseURL+"/pages/"+a.ID))
		h.Breadcrumb = append(h.Breadcrumb, a.Title)
	}
	h.Breadcrumb = append(h.Breadcrumb, page.Title)
	if n := len(h.Ancestors); n > 0 {
		h.ParentID = h.Ancestors[n-1]
	}
	for _, child := range page.Children.Page.Results {
		h.ChildrenIDs = append(h.ChildrenIDs,
			DocumentID(c.projectID, "confluence", c.name, c.baseURL+"/pages/"+child.ID))
	}
	return h
}

func labelNames(page *confluencePage) []string {
	var names []string
	for _, l := range page.Metadata.Labels.Results {
		names = append(names, l.Name)
	}
	return names
}

func (c *ConfluenceConnector) emitAttachments(ctx context.Context, out chan<- Item, page *confluencePage, parentURI string, attachments []confluenceAttachment) bool {
	for _, att := range attachments {
		if c.maxFileSize > 0 && att.Extensions.FileSize > c.maxFileSize {
			c.logger.Warn("skipping oversized attachment",
				slog.String("page", page.Title),
				slog.String("attachment", att.Title),
				slog.Int64("size", att.Extensions.FileSize))
			continue
		}
		content, err := c.download(ctx, att.Links.Download)
		if err != nil {
			emitErr(ctx, out, fmt.Errorf("download attachment %s: %w", att.Title, err))
			continue
		}
		doc := &Document{
			ProjectID:  c.projectID,
			SourceType: "confluence",
			SourceName: c.name,
			URI:        c.baseURL + "/attachments/" + att.ID,
			Title:      att.Title,
			Kind:       KindAttachment,
			Content:    content,
			MimeType:   att.Extensions.MediaType,
			FileType:   strings.TrimPrefix(strings.ToLower(extOf(att.Title)), "."),
			Size:       att.Extensions.FileSize,
			ParentURI:  parentURI,
			Metadata: map[string]string{
				"attachment_filename": att.Title,
				"parent_title":        page.Title,
				"space_key":           c.spaceKey,
			},
		}
		select {
		case out <- Item{Doc: doc}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func (c *ConfluenceConnector) fetchPages(ctx context.Context, start int) (*confluencePageList, error) {
	q := url.Values{}
	q.Set("spaceKey", c.spaceKey)
	q.Set("type", "page")
	q.Set("expand", "body.storage,version,ancestors,children.page,metadata.labels")
	q.Set("start", strconv.Itoa(start))
	q.Set("limit", strconv.Itoa(confluencePageSize))

	var list confluencePageList
	if err := c.getJSON(ctx, c.baseURL+"/rest/api/content?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *ConfluenceConnector) fetchAttachments(ctx context.Context, pageID string) ([]confluenceAttachment, error) {
	var list struct {
		Results []confluenceAttachment `json:"results"`
	}
	u := c.baseURL + "/rest/api/content/" + pageID + "/child/attachment?limit=200"
	if err := c.getJSON(ctx, u, &list); err != nil {
		return nil, err
	}
	return list.Results, nil
}

func (c *ConfluenceConnector) download(ctx context.Context, downloadPath string) ([]byte, error) {
	resp, err := c.get(ctx, c.baseURL+downloadPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *ConfluenceConnector) getJSON(ctx context.Context, url string, out any) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode confluence response: %w", err)
	}
	return nil
}

// get performs an authenticated GET, waiting out 429 responses using the
// Retry-After header when present.
func (c *ConfluenceConnector) get(ctx context.Context, url string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("confluence request: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests && attempt < 5:
			delay := retryAfter(resp, time.Duration(attempt+1)*2*time.Second)
			_ = resp.Body.Close()
			c.logger.Warn("confluence rate limited, backing off",
				slog.Duration("delay", delay), slog.Int("attempt", attempt+1))
			if err := sleepOrDone(ctx, delay); err != nil {
				return nil, err
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			_ = resp.Body.Close()
			return nil, fmt.Errorf("confluence rejected credentials (status %d)", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("confluence returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
}

func (c *ConfluenceConnector) authorize(req *http.Request) {
	if c.pat != "" {
		req.Header.Set("Authorization", "Bearer "+c.pat)
		return
	}
	if c.email != "" && c.apiToken != "" {
		req.SetBasicAuth(c.email, c.apiToken)
	}
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
