package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

// GitConnector shallow-clones a repository into a temp directory, walks the
// worktree through a localfile connector, and decorates each document with
// its last-commit author and time plus a deterministic blob URL.
type GitConnector struct {
	projectID string
	name      string
	cfg       gitConfig
	logger    *slog.Logger
}

type gitConfig struct {
	URL          string
	Branch       string
	Token        string
	IncludePaths []string
	ExcludePaths []string
	FileTypes    []string
	MaxFileSize  int64
}

// NewGit creates a git connector for one configured source.
func NewGit(projectID, name string, cfg config.SourceConfig, logger *slog.Logger) (*GitConnector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("git source %s: base_url is required", name)
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	return &GitConnector{
		projectID: projectID,
		name:      name,
		cfg: gitConfig{
			URL:          cfg.BaseURL,
			Branch:       branch,
			Token:        cfg.Token,
			IncludePaths: cfg.IncludePaths,
			ExcludePaths: cfg.ExcludePaths,
			FileTypes:    cfg.FileTypes,
			MaxFileSize:  cfg.MaxFileSize,
		},
		logger: logger,
	}, nil
}

func (c *GitConnector) Type() string { return "git" }
func (c *GitConnector) Name() string { return c.name }

func (c *GitConnector) Documents(ctx context.Context, since *time.Time) (<-chan Item, error) {
	workdir, err := os.MkdirTemp("", "qdrant-loader-git-*")
	if err != nil {
		return nil, fmt.Errorf("create clone dir: %w", err)
	}
	if err := c.clone(ctx, workdir); err != nil {
		_ = os.RemoveAll(workdir)
		return nil, err
	}

	out := make(chan Item, 16)
	go func() {
		defer close(out)
		defer os.RemoveAll(workdir)
		c.walk(ctx, workdir, since, out)
	}()
	return out, nil
}

func (c *GitConnector) clone(ctx context.Context, dir string) error {
	cloneURL, err := c.authURL()
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone",
		"--depth", "1", "--branch", c.cfg.Branch, "--single-branch",
		cloneURL, dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone %s: %w: %s", c.cfg.URL, err, sanitizeGitOutput(string(output), c.cfg.Token))
	}
	return nil
}

// authURL injects the access token into https remotes.
func (c *GitConnector) authURL() (string, error) {
	if c.cfg.Token == "" {
		return c.cfg.URL, nil
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse git url: %w", err)
	}
	if u.Scheme == "https" || u.Scheme == "http" {
		u.User = url.UserPassword("token", c.cfg.Token)
	}
	return u.String(), nil
}

func sanitizeGitOutput(output, token string) string {
	out := strings.TrimSpace(output)
	if token != "" {
		out = strings.ReplaceAll(out, token, "***")
	}
	return out
}

func (c *GitConnector) walk(ctx context.Context, workdir string, since *time.Time, out chan<- Item) {
	inner, err := NewLocalFile(c.projectID, c.name, localFilterConfig(c.cfg, workdir), c.logger)
	if err != nil {
		emitErr(ctx, out, err)
		return
	}
	items, err := inner.Documents(ctx, since)
	if err != nil {
		emitErr(ctx, out, err)
		return
	}

	for item := range items {
		if item.Err != nil {
			emitErr(ctx, out, item.Err)
			continue
		}
		doc := item.Doc
		rel := doc.Metadata["relative_path"]
		if strings.HasPrefix(rel, ".git/") {
			continue
		}
		doc.SourceType = "git"
		doc.URI = c.cfg.URL + "#" + rel
		doc.Metadata["url"] = c.blobURL(rel)
		if author, when, err := c.lastCommit(ctx, workdir, rel); err == nil {
			doc.Metadata["author"] = author
			doc.Metadata["updated_at"] = when.UTC().Format(time.RFC3339)
		}
		select {
		case out <- Item{Doc: doc}:
		case <-ctx.Done():
			return
		}
	}
}

func localFilterConfig(cfg gitConfig, root string) config.SourceConfig {
	return config.SourceConfig{
		Path:         root,
		IncludePaths: cfg.IncludePaths,
		ExcludePaths: append([]string{".git/**"}, cfg.ExcludePaths...),
		FileTypes:    cfg.FileTypes,
		MaxFileSize:  cfg.MaxFileSize,
	}
}

// blobURL builds the web URL for a file at the configured branch. Works for
// GitHub/GitLab-style remotes; other hosts still get a stable URL.
func (c *GitConnector) blobURL(rel string) string {
	base := strings.TrimSuffix(c.cfg.URL, ".git")
	return base + "/blob/" + c.cfg.Branch + "/" + rel
}

// lastCommit returns the author and commit time of the file's most recent
// change.
func (c *GitConnector) lastCommit(ctx context.Context, workdir, rel string) (string, time.Time, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", workdir,
		"log", "-1", "--format=%an%x00%ct", "--", rel)
	output, err := cmd.Output()
	if err != nil {
		return "", time.Time{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(output)), "\x00", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("unexpected git log output for %s", rel)
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, err
	}
	return parts[0], time.Unix(epoch, 0), nil
}

func emitErr(ctx context.Context, out chan<- Item, err error) {
	select {
	case out <- Item{Err: err}:
	case <-ctx.Done():
	}
}
