package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thanhbn/qdrant-loader-sub001/internal/chunking"
	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/convert"
	"github.com/thanhbn/qdrant-loader-sub001/internal/keyword"
	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
	"github.com/thanhbn/qdrant-loader-sub001/internal/pipeline"
	"github.com/thanhbn/qdrant-loader-sub001/internal/source"
	"github.com/thanhbn/qdrant-loader-sub001/internal/state"
	"github.com/thanhbn/qdrant-loader-sub001/internal/ui"
)

// ingestFlags narrow an ingestion pass.
type ingestFlags struct {
	project    string
	sourceType string
	sourceName string
	force      bool
	watch      bool
}

// newIngestCmd creates the ingest command.
func newIngestCmd(flags *rootFlags) *cobra.Command {
	var opts ingestFlags

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over the configured sources",
		Long: `Ingest streams documents from the configured connectors, converts and
chunks them, generates embeddings, and upserts the chunks into Qdrant.
Unchanged documents are skipped; documents the connectors no longer
report are tombstoned. With --watch, localfile sources are re-ingested
when their files change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd.Context(), flags, opts)
		},
	}

	cmd.Flags().StringVar(&opts.project, "project", "", "Only ingest this project")
	cmd.Flags().StringVar(&opts.sourceType, "source-type", "", "Only ingest sources of this type")
	cmd.Flags().StringVar(&opts.sourceName, "source", "", "Only ingest the source with this name")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Reprocess documents even when unchanged")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep running and re-ingest when local files change")
	return cmd
}

func runIngest(ctx context.Context, flags *rootFlags, opts ingestFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	if err := ensureWorkspace(flags.workspace); err != nil {
		return err
	}

	logger, cleanup, err := flags.setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := state.Open(statePath(flags.workspace, cfg))
	if err != nil {
		return err
	}
	defer st.Close()

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

	if err := vectors.EnsureCollection(ctx,
		cfg.Global.LLM.Embeddings.VectorSize, cfg.Global.Qdrant.Distance); err != nil {
		return err
	}

	kw, err := keyword.Open(keywordPath(flags.workspace), logger)
	if err != nil {
		logger.Warn("keyword index unavailable, hybrid retrieval degraded",
			slog.String("error", err.Error()))
		kw = nil
	} else {
		defer kw.Close()
	}

	tok, err := llm.NewTokenizer(cfg.Global.LLM.Tokenizer)
	if err != nil {
		return err
	}
	chunker := chunking.NewEngine(cfg.Global.Chunking, tok, logger)
	defer chunker.Close()

	converter := convert.New(convert.Config{
		MaxFileSize:       cfg.Global.FileConversion.MaxFileSize,
		Timeout:           cfg.Global.FileConversion.ConversionTimeout,
		EnableLLMCaptions: cfg.Global.FileConversion.MarkItDown.EnableLLMDescriptions,
	}, provider)

	deps := pipeline.Deps{
		State:     st,
		Converter: converter,
		Chunker:   chunker,
		Embedder:  provider,
		Vectors:   vectors,
		Logger:    logger,
	}
	if kw != nil {
		deps.Keyword = kw
	}
	runner := pipeline.New(pipeline.Config{
		MaxTokensPerRequest: cfg.Global.LLM.Embeddings.MaxTokensPerRequest,
		MaxTokensPerChunk:   cfg.Global.LLM.Embeddings.MaxTokensPerChunk,
		LockPath:            lockPath(flags.workspace),
		Force:               opts.force,
	}, deps)

	renderer := ui.NewRenderer(ui.Config{Output: os.Stdout})

	pass := func(ctx context.Context) error {
		sources, projects, err := buildSources(ctx, cfg, st, opts, logger)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return fmt.Errorf("no sources matched the given filters")
		}
		for _, s := range sources {
			renderer.UpdateProgress(ui.ProgressEvent{
				Stage:  ui.StageCollect,
				Source: s.Connector.Type() + "/" + s.Connector.Name(),
			})
		}

		report, err := runner.Run(ctx, sources)
		if err != nil {
			return err
		}
		renderer.Complete(summarize(report, projects, len(sources)))
		if report.Failed > 0 {
			return fmt.Errorf("%w: %d documents", errPartialIngest, report.Failed)
		}
		return nil
	}

	if err := pass(ctx); err != nil {
		if !opts.watch || ctx.Err() != nil {
			return err
		}
		logger.Error("initial pass failed, watch continues", slog.String("error", err.Error()))
	}
	if !opts.watch {
		return nil
	}

	paths := localfilePaths(cfg, opts)
	if len(paths) == 0 {
		return fmt.Errorf("--watch requires at least one localfile source")
	}
	logger.Info("watching for changes", slog.Int("paths", len(paths)))
	return pipeline.Watch(ctx, paths, 2*time.Second, logger, pass)
}

// buildSources expands the configured projects into pipeline sources,
// honoring the project/source-type/source filters. The since watermark
// comes from the state store unless --force cleared it.
func buildSources(ctx context.Context, cfg *config.Config, st state.Store, opts ingestFlags, logger *slog.Logger) ([]pipeline.Source, int, error) {
	var sources []pipeline.Source
	projects := 0
	for projectID, proj := range cfg.Projects {
		if opts.project != "" && opts.project != projectID {
			continue
		}
		projects++
		for srcType, byName := range proj.Sources {
			if opts.sourceType != "" && opts.sourceType != srcType {
				continue
			}
			for name, srcCfg := range byName {
				if opts.sourceName != "" && opts.sourceName != name {
					continue
				}
				conn, err := source.NewConnector(projectID, srcType, name, srcCfg, logger)
				if err != nil {
					return nil, 0, err
				}
				var since *time.Time
				if !opts.force {
					since = pipeline.LastRun(ctx, st, projectID, srcType, name)
				}
				sources = append(sources, pipeline.Source{
					ProjectID: projectID,
					Connector: conn,
					Since:     since,
					Convert:   srcCfg.EnableFileConversion,
				})
			}
		}
	}
	return sources, projects, nil
}

// localfilePaths collects the directories watch mode observes.
func localfilePaths(cfg *config.Config, opts ingestFlags) []string {
	var paths []string
	for projectID, proj := range cfg.Projects {
		if opts.project != "" && opts.project != projectID {
			continue
		}
		for name, srcCfg := range proj.Sources["localfile"] {
			if opts.sourceName != "" && opts.sourceName != name {
				continue
			}
			if srcCfg.Path != "" {
				paths = append(paths, srcCfg.Path)
			}
		}
	}
	return paths
}

func summarize(r *pipeline.Report, projects, sourceCount int) ui.Summary {
	return ui.Summary{
		Projects:   projects,
		Sources:    sourceCount,
		Documents:  int(r.DocumentsSeen),
		Unchanged:  int(r.Unchanged),
		Chunks:     int(r.Chunked),
		Embedded:   int(r.Embedded),
		Upserted:   int(r.Upserted),
		Tombstoned: int(r.Tombstoned),
		Failed:     int(r.Failed),
		Retries:    r.EmbedRetries,
		Duration:   r.Duration,
	}
}
