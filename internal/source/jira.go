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

const jiraPageSize = 50

// JiraConnector paginates the issues of one project and emits one document
// per issue (description, comments and links concatenated), plus issue
// attachments as dependent documents. Requests are throttled to the
// configured requests-per-minute budget, 60 by default.
type JiraConnector struct {
	projectID  string
	name       string
	baseURL    string
	projectKey string
	email      string
	apiToken   string
	pat        string
	issueTypes      []string
	includeStatuses []string
	downloadAttachments bool
	maxFileSize         int64
	throttle            *tokenBucketThrottle
	httpClient          *http.Client
	logger              *slog.Logger
}

// JiraOptions configures a jira connector.
type JiraOptions struct {
	BaseURL             string
	ProjectKey          string
	Email               string
	APIToken            string
	PAT                 string
	IssueTypes          []string
	IncludeStatuses     []string
	DownloadAttachments bool
	MaxFileSize         int64
	RequestsPerMinute   int
}

// NewJira creates a connector for one JIRA project.
func NewJira(projectID, name string, opts JiraOptions, logger *slog.Logger) (*JiraConnector, error) {
	if opts.BaseURL == "" || opts.ProjectKey == "" {
		return nil, fmt.Errorf("jira source %s: base_url and project_key are required", name)
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &JiraConnector{
		projectID:           projectID,
		name:                name,
		baseURL:             strings.TrimRight(opts.BaseURL, "/"),
		projectKey:          opts.ProjectKey,
		email:               opts.Email,
		apiToken:            opts.APIToken,
		pat:                 opts.PAT,
		issueTypes:          opts.IssueTypes,
		includeStatuses:     opts.IncludeStatuses,
		downloadAttachments: opts.DownloadAttachments,
		maxFileSize:         opts.MaxFileSize,
		throttle:            newThrottle(rpm),
		httpClient:          &http.Client{Timeout: 60 * time.Second},
		logger:              logger,
	}, nil
}

func (c *JiraConnector) Type() string { return "jira" }
func (c *JiraConnector) Name() string { return c.name }

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Updated     string `json:"updated"`
		Created     string `json:"created"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Labels  []string `json:"labels"`
		Comment struct {
			Comments []struct {
				Author struct {
					DisplayName string `json:"displayName"`
				} `json:"author"`
				Body string `json:"body"`
			} `json:"comments"`
		} `json:"comment"`
		IssueLinks []struct {
			Type struct {
				Name string `json:"name"`
			} `json:"type"`
			InwardIssue  *struct{ Key string } `json:"inwardIssue"`
			OutwardIssue *struct{ Key string } `json:"outwardIssue"`
		} `json:"issuelinks"`
		Attachment []struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
			MimeType string `json:"mimeType"`
			Size     int64  `json:"size"`
			Content  string `json:"content"`
		} `json:"attachment"`
	} `json:"fields"`
}

type jiraSearchResult struct {
	Issues []jiraIssue `json:"issues"`
	Total  int         `json:"total"`
}

func (c *JiraConnector) Documents(ctx context.Context, since *time.Time) (<-chan Item, error) {
	out := make(chan Item, 16)
	go func() {
		defer close(out)
		startAt := 0
		for {
			result, err := c.search(ctx, startAt, since)
			if err != nil {
				emitErr(ctx, out, err)
				return
			}
			for i := range result.Issues {
				if !c.emitIssue(ctx, out, &result.Issues[i]) {
					return
				}
			}
			startAt += len(result.Issues)
			if startAt >= result.Total || len(result.Issues) == 0 {
				return
			}
		}
	}()
	return out, nil
}

// jql builds the search query from the project key and configured filters.
func (c *JiraConnector) jql(since *time.Time) string {
	clauses := []string{fmt.Sprintf("project = %q", c.projectKey)}
	if len(c.issueTypes) > 0 {
		clauses = append(clauses, "issuetype IN ("+quoteJoin(c.issueTypes)+")")
	}
	if len(c.includeStatuses) > 0 {
		clauses = append(clauses, "status IN ("+quoteJoin(c.includeStatuses)+")")
	}
	if since != nil {
		clauses = append(clauses, fmt.Sprintf("updated >= %q", since.UTC().Format("2006-01-02 15:04")))
	}
	return strings.Join(clauses, " AND ") + " ORDER BY key ASC"
}

func quoteJoin(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, ", ")
}

func (c *JiraConnector) search(ctx context.Context, startAt int, since *time.Time) (*jiraSearchResult, error) {
	q := url.Values{}
	q.Set("jql", c.jql(since))
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(jiraPageSize))
	q.Set("fields", "summary,description,updated,created,status,issuetype,reporter,labels,comment,issuelinks,attachment")

	var result jiraSearchResult
	if err := c.getJSON(ctx, c.baseURL+"/rest/api/2/search?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *JiraConnector) emitIssue(ctx context.Context, out chan<- Item, issue *jiraIssue) bool {
	uri := c.baseURL + "/browse/" + issue.Key
	doc := &Document{
		ProjectID:  c.projectID,
		SourceType: "jira",
		SourceName: c.name,
		URI:        uri,
		Title:      issue.Key + ": " + issue.Fields.Summary,
		Kind:       KindText,
		Content:    []byte(c.issueText(issue)),
		MimeType:   "text/plain",
		FileType:   "txt",
		Metadata: map[string]string{
			"issue_key":  issue.Key,
			"issue_type": issue.Fields.IssueType.Name,
			"status":     issue.Fields.Status.Name,
			"author":     issue.Fields.Reporter.DisplayName,
			"created_at": issue.Fields.Created,
			"updated_at": issue.Fields.Updated,
			"url":        uri,
		},
	}
	if len(issue.Fields.Labels) > 0 {
		doc.Metadata["labels"] = strings.Join(issue.Fields.Labels, ",")
	}
	if links := c.linkSummaries(issue); len(links) > 0 {
		doc.Metadata["issue_links"] = strings.Join(links, ";")
	}
	if c.downloadAttachments && len(issue.Fields.Attachment) > 0 {
		doc.Metadata["has_attachments"] = "true"
	}
	select {
	case out <- Item{Doc: doc}:
	case <-ctx.Done():
		return false
	}

	if c.downloadAttachments {
		return c.emitAttachments(ctx, out, issue, uri)
	}
	return true
}

// issueText concatenates summary, description, comments and links with
// separators so one issue reads as one document.
func (c *JiraConnector) issueText(issue *jiraIssue) string {
	var b strings.Builder
	b.WriteString(issue.Fields.Summary)
	b.WriteString("\n\n")
	if issue.Fields.Description != "" {
		b.WriteString(issue.Fields.Description)
		b.WriteString("\n")
	}
	for _, comment := range issue.Fields.Comment.Comments {
		b.WriteString("\n---\n")
		b.WriteString(comment.Author.DisplayName)
		b.WriteString(": ")
		b.WriteString(comment.Body)
		b.WriteString("\n")
	}
	if links := c.linkSummaries(issue); len(links) > 0 {
		b.WriteString("\nLinks: ")
		b.WriteString(strings.Join(links, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

func (c *JiraConnector) linkSummaries(issue *jiraIssue) []string {
	var links []string
	for _, l := range issue.Fields.IssueLinks {
		switch {
		case l.OutwardIssue != nil:
			links = append(links, l.Type.Name+" "+l.OutwardIssue.Key)
		case l.InwardIssue != nil:
			links = append(links, l.Type.Name+" "+l.InwardIssue.Key)
		}
	}
	return links
}

func (c *JiraConnector) emitAttachments(ctx context.Context, out chan<- Item, issue *jiraIssue, parentURI string) bool {
	for _, att := range issue.Fields.Attachment {
		if c.maxFileSize > 0 && att.Size > c.maxFileSize {
			c.logger.Warn("skipping oversized attachment",
				slog.String("issue", issue.Key),
				slog.String("attachment", att.Filename),
				slog.Int64("size", att.Size))
			continue
		}
		content, err := c.download(ctx, att.Content)
		if err != nil {
			emitErr(ctx, out, fmt.Errorf("download attachment %s: %w", att.Filename, err))
			continue
		}
		doc := &Document{
			ProjectID:  c.projectID,
			SourceType: "jira",
			SourceName: c.name,
			URI:        c.baseURL + "/attachments/" + att.ID,
			Title:      att.Filename,
			Kind:       KindAttachment,
			Content:    content,
			MimeType:   att.MimeType,
			FileType:   strings.TrimPrefix(strings.ToLower(extOf(att.Filename)), "."),
			Size:       att.Size,
			ParentURI:  parentURI,
			Metadata: map[string]string{
				"attachment_filename": att.Filename,
				"issue_key":           issue.Key,
				"parent_title":        issue.Key + ": " + issue.Fields.Summary,
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

func (c *JiraConnector) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *JiraConnector) getJSON(ctx context.Context, url string, out any) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode jira response: %w", err)
	}
	return nil
}

func (c *JiraConnector) get(ctx context.Context, url string) (*http.Response, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("jira request: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests && attempt < 5:
			delay := retryAfter(resp, time.Duration(attempt+1)*2*time.Second)
			_ = resp.Body.Close()
			c.logger.Warn("jira rate limited, backing off",
				slog.Duration("delay", delay), slog.Int("attempt", attempt+1))
			if err := sleepOrDone(ctx, delay); err != nil {
				return nil, err
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			_ = resp.Body.Close()
			return nil, fmt.Errorf("jira rejected credentials (status %d)", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("jira returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
}

func (c *JiraConnector) authorize(req *http.Request) {
	if c.pat != "" {
		req.Header.Set("Authorization", "Bearer "+c.pat)
		return
	}
	if c.email != "" && c.apiToken != "" {
		req.SetBasicAuth(c.email, c.apiToken)
	}
}

// tokenBucketThrottle spaces requests evenly across the per-minute budget.
type tokenBucketThrottle struct {
	interval time.Duration
	next     chan time.Time
}

func newThrottle(rpm int) *tokenBucketThrottle {
	t := &tokenBucketThrottle{
		interval: time.Minute / time.Duration(rpm),
		next:     make(chan time.Time, 1),
	}
	t.next <- time.Now()
	return t
}

func (t *tokenBucketThrottle) wait(ctx context.Context) error {
	select {
	case at := <-t.next:
		defer func() { t.next <- time.Now().Add(t.interval) }()
		if d := time.Until(at); d > 0 {
			return sleepOrDone(ctx, d)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
