package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/internal/vectorstore"
)

// newInitCmd creates the init command.
func newInitCmd(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Prepare the workspace and create the vector collection",
		Long: `Init creates the workspace directory layout, writes a starter config
when none exists, and creates the Qdrant collection. When the collection
already exists with a different vector size, --force drops and recreates
it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := ensureWorkspace(flags.workspace); err != nil {
				return err
			}

			path := flags.resolveConfigPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := config.NewConfig().WriteYAML(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote starter config to %s\n", path)
			}

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			logger, cleanup, err := flags.setupLogging()
			if err != nil {
				return err
			}
			defer cleanup()

			vectors, err := openVectors(cfg, logger)
			if err != nil {
				return err
			}
			defer vectors.Close()

			ctx := cmd.Context()
			size := cfg.Global.LLM.Embeddings.VectorSize
			distance := cfg.Global.Qdrant.Distance

			err = vectors.EnsureCollection(ctx, size, distance)
			if qerrors.Is(err, vectorstore.ErrVectorSizeMismatch) && force {
				fmt.Fprintf(cmd.OutOrStdout(), "Recreating collection %q with vector size %d\n",
					vectors.Collection(), size)
				err = vectors.RecreateCollection(ctx, size, distance)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Collection %q ready (vector size %d, distance %s)\n",
				vectors.Collection(), size, distance)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Recreate the collection on vector size mismatch")
	return cmd
}
