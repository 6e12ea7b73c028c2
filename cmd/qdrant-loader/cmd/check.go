package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/internal/keyword"
	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
	"github.com/thanhbn/qdrant-loader-sub001/internal/preflight"
	"github.com/thanhbn/qdrant-loader-sub001/internal/state"
)

// newCheckCmd creates the check command.
func newCheckCmd(flags *rootFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the workspace, Qdrant and the embedding endpoint are reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			logger, cleanup, err := flags.setupLogging()
			if err != nil {
				return err
			}
			defer cleanup()

			timeout := time.Duration(cfg.Global.LLM.Request.TimeoutS) * time.Second
			checker := preflight.New(timeout, logger)

			checker.Add(preflight.WorkspaceCheck(flags.workspace))

			checker.Add(preflight.Check{
				Name:     "state",
				Required: true,
				Run: func(context.Context) error {
					st, err := state.Open(statePath(flags.workspace, cfg))
					if err != nil {
						return err
					}
					return st.Close()
				},
			})

			checker.Add(preflight.Check{
				Name:     "qdrant",
				Required: true,
				Run: func(ctx context.Context) error {
					vectors, err := openVectors(cfg, logger)
					if err != nil {
						return err
					}
					defer vectors.Close()
					_, err = vectors.Count(ctx, nil)
					return err
				},
			})

			checker.Add(preflight.Check{
				Name:     "embeddings",
				Required: true,
				Run: func(ctx context.Context) error {
					provider, err := llm.New(cfg.Global.LLM, logger)
					if err != nil {
						return err
					}
					defer provider.Close()
					if !provider.Available(ctx) {
						return fmt.Errorf("embedding endpoint did not answer a probe request")
					}
					return nil
				},
			})

			checker.Add(preflight.Check{
				Name: "keyword-index",
				Run: func(context.Context) error {
					idx, err := keyword.Open(keywordPath(flags.workspace), logger)
					if err != nil {
						return err
					}
					return idx.Close()
				},
			})

			results, runErr := checker.Run(cmd.Context())

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
				for _, r := range results {
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if runErr != nil {
				return qerrors.New(qerrors.CodeToolUnavailable, "preflight failed", runErr).
					WithSuggestion("run 'qdrant-loader check' after fixing the failing backends")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}
