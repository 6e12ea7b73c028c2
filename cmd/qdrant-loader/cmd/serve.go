package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/thanhbn/qdrant-loader-sub001/internal/keyword"
	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
	"github.com/thanhbn/qdrant-loader-sub001/internal/mcpserver"
	"github.com/thanhbn/qdrant-loader-sub001/internal/search"
	"github.com/thanhbn/qdrant-loader-sub001/pkg/version"
)

// newServeCmd creates the serve command.
func newServeCmd(flags *rootFlags) *cobra.Command {
	var transport string
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP retrieval server",
		Long: `Serve exposes the search tools over the Model Context Protocol.
The stdio transport speaks JSON-RPC on stdin/stdout for editor and agent
integrations; the http transport mounts a streamable HTTP endpoint at
/mcp.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if transport != "stdio" && transport != "http" {
				return fmt.Errorf("unknown transport %q (expected stdio or http)", transport)
			}

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			logger, cleanup, err := flags.setupServeLogging()
			if err != nil {
				return err
			}
			defer cleanup()

			provider, err := llm.New(cfg.Global.LLM, logger)
			if err != nil {
				return err
			}
			defer provider.Close()

			vectors, err := openVectors(cfg, logger)
			if err != nil {
				return err
			}
			defer vectors.Close()

			var kw search.Keyword
			idx, err := keyword.Open(keywordPath(flags.workspace), logger)
			if err != nil {
				logger.Warn("keyword index unavailable, serving vector-only results",
					slog.String("error", err.Error()))
			} else {
				defer idx.Close()
				kw = idx
			}

			engine := search.NewEngine(search.Config{}, provider, vectors, kw, logger)
			srv, err := mcpserver.NewServer(engine, version.Version, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if transport == "http" {
				logger.Info("serving MCP over http",
					slog.String("addr", addr), slog.String("path", "/mcp"))
				return srv.ServeHTTP(ctx, addr)
			}
			logger.Info("serving MCP over stdio")
			return srv.ServeStdio(ctx)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address for the http transport")
	return cmd
}
