package source

import (
	"fmt"
	"log/slog"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
)

// NewConnector builds the connector for one configured source.
func NewConnector(projectID, sourceType, name string, cfg config.SourceConfig, logger *slog.Logger) (Connector, error) {
	switch sourceType {
	case "localfile":
		return NewLocalFile(projectID, name, cfg, logger)
	case "git":
		return NewGit(projectID, name, cfg, logger)
	case "confluence":
		return NewConfluence(projectID, name, ConfluenceOptions{
			BaseURL:             cfg.BaseURL,
			SpaceKey:            cfg.SpaceKey,
			Email:               cfg.Email,
			APIToken:            cfg.APIToken,
			PAT:                 cfg.PAT,
			DownloadAttachments: cfg.DownloadAttachments,
			MaxFileSize:         cfg.MaxFileSize,
		}, logger)
	case "jira":
		return NewJira(projectID, name, JiraOptions{
			BaseURL:             cfg.BaseURL,
			ProjectKey:          cfg.ProjectKey,
			Email:               cfg.Email,
			APIToken:            cfg.APIToken,
			PAT:                 cfg.PAT,
			IssueTypes:          cfg.IssueTypes,
			IncludeStatuses:     cfg.IncludeStatuses,
			DownloadAttachments: cfg.DownloadAttachments,
			MaxFileSize:         cfg.MaxFileSize,
			RequestsPerMinute:   cfg.RequestsPerMinute,
		}, logger)
	case "publicdocs":
		return NewPublicDocs(projectID, name, PublicDocsOptions{
			BaseURL:             cfg.BaseURL,
			PathPattern:         cfg.PathPattern,
			ContentSelector:     cfg.ContentSelector,
			RemoveSelectors:     cfg.RemoveSelectors,
			AttachmentSelectors: cfg.AttachmentSelectors,
			MaxPages:            cfg.MaxPages,
			MaxFileSize:         cfg.MaxFileSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
}
