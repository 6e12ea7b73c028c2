package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const defaultMaxPages = 500

// PublicDocsConnector crawls a documentation site breadth-first from
// base_url, keeping pages whose path matches path_pattern. The content
// selector extracts the main article, remove selectors strip navigation
// noise, and attachment selectors discover linked files.
type PublicDocsConnector struct {
	projectID string
	name      string
	base      *url.URL
	pattern   *regexp.Regexp
	selector  string
	remove    []string
	attachmentSelectors []string
	maxPages            int
	maxFileSize         int64
	httpClient          *http.Client
	logger              *slog.Logger
}

// PublicDocsOptions configures a publicdocs connector.
type PublicDocsOptions struct {
	BaseURL             string
	PathPattern         string
	ContentSelector     string
	RemoveSelectors     []string
	AttachmentSelectors []string
	MaxPages            int
	MaxFileSize         int64
}

// NewPublicDocs creates a crawler rooted at base_url.
func NewPublicDocs(projectID, name string, opts PublicDocsOptions, logger *slog.Logger) (*PublicDocsConnector, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("publicdocs source %s: invalid base_url %q", name, opts.BaseURL)
	}
	var pattern *regexp.Regexp
	if opts.PathPattern != "" {
		pattern, err = regexp.Compile(opts.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("publicdocs source %s: invalid path_pattern: %w", name, err)
		}
	}
	selector := opts.ContentSelector
	if selector == "" {
		selector = "main, article, body"
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &PublicDocsConnector{
		projectID:           projectID,
		name:                name,
		base:                base,
		pattern:             pattern,
		selector:            selector,
		remove:              opts.RemoveSelectors,
		attachmentSelectors: opts.AttachmentSelectors,
		maxPages:            maxPages,
		maxFileSize:         opts.MaxFileSize,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		logger:              logger,
	}, nil
}

func (c *PublicDocsConnector) Type() string { return "publicdocs" }
func (c *PublicDocsConnector) Name() string { return c.name }

func (c *PublicDocsConnector) Documents(ctx context.Context, since *time.Time) (<-chan Item, error) {
	out := make(chan Item, 16)
	go func() {
		defer close(out)
		c.crawl(ctx, out)
	}()
	return out, nil
}

func (c *PublicDocsConnector) crawl(ctx context.Context, out chan<- Item) {
	visited := map[string]bool{}
	queue := []string{c.base.String()}

	for len(queue) > 0 && len(visited) < c.maxPages {
		if ctx.Err() != nil {
			return
		}
		pageURL := queue[0]
		queue = queue[1:]
		if visited[pageURL] {
			continue
		}
		visited[pageURL] = true

		doc, links, attachments, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			emitErr(ctx, out, fmt.Errorf("crawl %s: %w", pageURL, err))
			continue
		}
		if doc != nil {
			select {
			case out <- Item{Doc: doc}:
			case <-ctx.Done():
				return
			}
			if !c.emitAttachments(ctx, out, attachments, pageURL, doc.Title) {
				return
			}
		}
		for _, link := range links {
			if !visited[link] {
				queue = append(queue, link)
			}
		}
	}
}

func (c *PublicDocsConnector) fetchPage(ctx context.Context, pageURL string) (*Document, []string, []string, error) {
	resp, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, nil, nil, err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return nil, nil, nil, nil
	}

	root, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse html: %w", err)
	}

	links := c.collectLinks(root, pageURL)
	attachments := c.collectAttachments(root, pageURL)

	if !c.matchesPattern(pageURL) {
		// Still follow links from non-matching pages under the base.
		return nil, links, nil, nil
	}

	for _, sel := range c.remove {
		root.Find(sel).Remove()
	}
	content := root.Find(c.selector).First()
	html, err := goquery.OuterHtml(content)
	if err != nil || strings.TrimSpace(content.Text()) == "" {
		return nil, links, nil, nil
	}

	title := strings.TrimSpace(root.Find("title").First().Text())
	if title == "" {
		title = pageURL
	}
	doc := &Document{
		ProjectID:  c.projectID,
		SourceType: "publicdocs",
		SourceName: c.name,
		URI:        pageURL,
		Title:      title,
		Kind:       KindText,
		Content:    []byte(html),
		MimeType:   "text/html",
		FileType:   "html",
		Size:       int64(len(html)),
		Metadata:   map[string]string{"url": pageURL},
	}
	return doc, links, attachments, nil
}

// collectLinks returns same-host absolute links under the base path.
func (c *PublicDocsConnector) collectLinks(root *goquery.Document, pageURL string) []string {
	var links []string
	pageBase, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	root.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, err := pageBase.Parse(href)
		if err != nil {
			return
		}
		abs.Fragment = ""
		abs.RawQuery = ""
		if abs.Host != c.base.Host || !strings.HasPrefix(abs.Path, c.base.Path) {
			return
		}
		links = append(links, abs.String())
	})
	return links
}

func (c *PublicDocsConnector) collectAttachments(root *goquery.Document, pageURL string) []string {
	if len(c.attachmentSelectors) == 0 {
		return nil
	}
	pageBase, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var urls []string
	for _, sel := range c.attachmentSelectors {
		root.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				href, _ = s.Attr("src")
			}
			abs, err := pageBase.Parse(href)
			if err != nil || abs.Host != c.base.Host {
				return
			}
			urls = append(urls, abs.String())
		})
	}
	return urls
}

func (c *PublicDocsConnector) emitAttachments(ctx context.Context, out chan<- Item, urls []string, parentURI, parentTitle string) bool {
	for _, attURL := range urls {
		content, mime, err := c.downloadAttachment(ctx, attURL)
		if err != nil {
			emitErr(ctx, out, fmt.Errorf("download attachment %s: %w", attURL, err))
			continue
		}
		if c.maxFileSize > 0 && int64(len(content)) > c.maxFileSize {
			c.logger.Warn("skipping oversized attachment",
				slog.String("url", attURL), slog.Int("size", len(content)))
			continue
		}
		name := attURL
		if i := strings.LastIndex(attURL, "/"); i >= 0 {
			name = attURL[i+1:]
		}
		doc := &Document{
			ProjectID:  c.projectID,
			SourceType: "publicdocs",
			SourceName: c.name,
			URI:        attURL,
			Title:      name,
			Kind:       KindAttachment,
			Content:    content,
			MimeType:   mime,
			FileType:   strings.TrimPrefix(strings.ToLower(extOf(name)), "."),
			Size:       int64(len(content)),
			ParentURI:  parentURI,
			Metadata: map[string]string{
				"attachment_filename": name,
				"parent_title":        parentTitle,
				"url":                 attURL,
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

func (c *PublicDocsConnector) downloadAttachment(ctx context.Context, attURL string) ([]byte, string, error) {
	resp, err := c.get(ctx, attURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return content, resp.Header.Get("Content-Type"), nil
}

func (c *PublicDocsConnector) matchesPattern(pageURL string) bool {
	if c.pattern == nil {
		return true
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	return c.pattern.MatchString(u.Path)
}

func (c *PublicDocsConnector) get(ctx context.Context, pageURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "qdrant-loader/1.0")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp, nil
}
