package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

// LocalFileConnector walks a directory root and emits one document per
// matching file. With hierarchy preservation enabled it also synthesizes
// folder documents so retrieval can reconstruct the tree.
type LocalFileConnector struct {
	projectID string
	name      string
	cfg       config.SourceConfig
	root      string
	logger    *slog.Logger
}

// NewLocalFile creates a localfile connector for one configured source.
func NewLocalFile(projectID, name string, cfg config.SourceConfig, logger *slog.Logger) (*LocalFileConnector, error) {
	root := cfg.Path
	if root == "" {
		root = strings.TrimPrefix(cfg.BaseURL, "file://")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve localfile root: %w", err)
	}
	return &LocalFileConnector{
		projectID: projectID,
		name:      name,
		cfg:       cfg,
		root:      abs,
		logger:    logger,
	}, nil
}

func (c *LocalFileConnector) Type() string { return "localfile" }
func (c *LocalFileConnector) Name() string { return c.name }

// Root returns the absolute directory this connector walks, for watch mode.
func (c *LocalFileConnector) Root() string { return c.root }

func (c *LocalFileConnector) Documents(ctx context.Context, since *time.Time) (<-chan Item, error) {
	if info, err := os.Stat(c.root); err != nil {
		return nil, fmt.Errorf("localfile root %s: %w", c.root, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("localfile root %s is not a directory", c.root)
	}

	out := make(chan Item, 16)
	go func() {
		defer close(out)
		err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			rel, relErr := filepath.Rel(c.root, path)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if rel == "." {
					return nil
				}
				if strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				if c.cfg.PreserveHierarchy {
					c.emit(ctx, out, c.folderDoc(rel))
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if !matchesFilters(rel, c.cfg.IncludePaths, c.cfg.ExcludePaths, c.cfg.FileTypes) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			if c.cfg.MaxFileSize > 0 && info.Size() > c.cfg.MaxFileSize {
				c.logger.Warn("skipping oversized file",
					slog.String("path", rel),
					slog.Int64("size", info.Size()),
					slog.Int64("max_file_size", c.cfg.MaxFileSize))
				return nil
			}
			if since != nil && info.ModTime().Before(*since) {
				// Unmodified since the last run. The pipeline knows an
				// incremental enumeration is partial and skips its
				// tombstone sweep.
				return nil
			}

			doc, err := c.fileDoc(path, rel, info)
			if err != nil {
				c.emit(ctx, out, nil, fmt.Errorf("read %s: %w", rel, err))
				return nil
			}
			c.emit(ctx, out, doc)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			c.emit(ctx, out, nil, err)
		}
	}()
	return out, nil
}

func (c *LocalFileConnector) emit(ctx context.Context, out chan<- Item, doc *Document, errs ...error) {
	item := Item{Doc: doc}
	if len(errs) > 0 {
		item.Err = errs[0]
	}
	select {
	case out <- item:
	case <-ctx.Done():
	}
}

func (c *LocalFileConnector) fileDoc(path, rel string, info fs.FileInfo) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(rel)

	kind := KindText
	if detectBinary(content) {
		kind = KindBinary
	}

	doc := &Document{
		ProjectID:  c.projectID,
		SourceType: "localfile",
		SourceName: c.name,
		URI:        "file://" + filepath.ToSlash(filepath.Join(c.root, rel)),
		Title:      filepath.Base(rel),
		Kind:       kind,
		Content:    content,
		MimeType:   mimeForExtension(ext),
		FileType:   strings.TrimPrefix(strings.ToLower(ext), "."),
		Size:       info.Size(),
		Metadata: map[string]string{
			"relative_path": rel,
			"updated_at":    info.ModTime().UTC().Format(time.RFC3339),
		},
	}
	if c.cfg.PreserveHierarchy {
		doc.Hierarchy = c.hierarchyFor(rel)
	}
	return doc, nil
}

func (c *LocalFileConnector) folderDoc(rel string) *Document {
	return &Document{
		ProjectID:  c.projectID,
		SourceType: "localfile",
		SourceName: c.name,
		URI:        "file://" + filepath.ToSlash(filepath.Join(c.root, rel)) + "/",
		Title:      filepath.Base(rel),
		Kind:       KindFolder,
		Metadata:   map[string]string{"relative_path": rel},
		Hierarchy:  c.hierarchyFor(rel),
	}
}

func (c *LocalFileConnector) hierarchyFor(rel string) *Hierarchy {
	segments := strings.Split(rel, "/")
	ancestors := make([]string, 0, len(segments)-1)
	breadcrumb := make([]string, 0, len(segments))
	for i := 0; i < len(segments)-1; i++ {
		dir := strings.Join(segments[:i+1], "/")
		ancestors = append(ancestors, DocumentID(c.projectID, "localfile", c.name,
			"file://"+filepath.ToSlash(filepath.Join(c.root, dir))+"/"))
		breadcrumb = append(breadcrumb, segments[i])
	}
	breadcrumb = append(breadcrumb, segments[len(segments)-1])

	h := &Hierarchy{
		Ancestors:  ancestors,
		Breadcrumb: breadcrumb,
		Depth:      len(segments) - 1,
	}
	if len(ancestors) > 0 {
		h.ParentID = ancestors[len(ancestors)-1]
	}
	return h
}
