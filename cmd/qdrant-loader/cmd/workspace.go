package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/logging"
	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

// configPath resolves the config file location: the --config flag when set,
// otherwise <workspace>/config.yaml.
func (f *rootFlags) resolveConfigPath() string {
	if f.configPath != "" {
		return f.configPath
	}
	return filepath.Join(f.workspace, "config.yaml")
}

// loadConfig reads and validates the workspace configuration.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	return config.Load(f.resolveConfigPath())
}

// statePath resolves the state database under the workspace. An absolute
// database_path wins.
func statePath(workspace string, cfg *config.Config) string {
	p := cfg.Global.StateManagement.DatabasePath
	if p == "" {
		p = "state.db"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func keywordPath(workspace string) string {
	return filepath.Join(workspace, "keyword.bleve")
}

func lockPath(workspace string) string {
	return filepath.Join(workspace, ".ingest.lock")
}

// setupLogging configures slog for an ingestion-side command.
func (f *rootFlags) setupLogging() (*slog.Logger, func(), error) {
	cfg := logging.DefaultConfig(f.workspace)
	cfg.Level = f.logLevel
	return logging.Setup(cfg)
}

// setupServeLogging configures slog for the MCP server. In stdio mode
// stdout carries JSON-RPC frames only, so console output stays on stderr
// and can be disabled entirely via environment.
func (f *rootFlags) setupServeLogging() (*slog.Logger, func(), error) {
	cfg := logging.ServeConfig(f.workspace)
	if f.logLevel != "" {
		cfg.Level = f.logLevel
	}
	return logging.Setup(cfg)
}

// openVectors dials the configured Qdrant endpoint.
func openVectors(cfg *config.Config, logger *slog.Logger) (*vectorstore.Store, error) {
	timeout := time.Duration(cfg.Global.LLM.Request.TimeoutS) * time.Second
	return vectorstore.New(vectorstore.Config{
		URL:        cfg.Global.Qdrant.URL,
		APIKey:     cfg.Global.Qdrant.APIKey,
		Collection: cfg.Global.Qdrant.CollectionName,
		VectorSize: cfg.Global.LLM.Embeddings.VectorSize,
		Distance:   cfg.Global.Qdrant.Distance,
		Timeout:    timeout,
	}, logger)
}

// ensureWorkspace creates the workspace directory tree.
func ensureWorkspace(workspace string) error {
	return os.MkdirAll(filepath.Join(workspace, "logs"), 0o755)
}
