// Package cmd provides the CLI commands for qdrant-loader.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
	"github.com/thanhbn/qdrant-loader-sub001/pkg/version"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitConnection = 3
	exitPartial    = 5
)

// errPartialIngest marks a run that finished with failed documents.
var errPartialIngest = errors.New("ingestion finished with failed documents")

// rootFlags are shared by every command.
type rootFlags struct {
	workspace  string
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "qdrant-loader",
		Short: "Load technical content into Qdrant and serve it over MCP",
		Long: `qdrant-loader ingests documents from git, Confluence, JIRA, public
documentation sites and local files into a Qdrant collection, and serves
semantic retrieval tools to AI agents over the Model Context Protocol.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("qdrant-loader version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flags.workspace, "workspace", ".", "Workspace directory (state, keyword index, logs)")
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file path (default <workspace>/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cmd.AddCommand(newInitCmd(flags))
	cmd.AddCommand(newIngestCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newCheckCmd(flags))
	cmd.AddCommand(newProjectCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdrant-loader: %v\n", err)
		var qerr *qerrors.Error
		if errors.As(err, &qerr) && qerr.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", qerr.Suggestion)
		}
	}
	return exitCode(err)
}

// exitCode maps errors to the documented exit codes: 0 ok, 2 config error,
// 3 connection error, 5 partial ingestion failure.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errPartialIngest) {
		return exitPartial
	}
	var qerr *qerrors.Error
	if errors.As(err, &qerr) {
		switch {
		case strings.HasPrefix(qerr.Code, "ERR_1"):
			return exitConfig
		case qerr.Code == qerrors.CodeAuthRejected,
			qerr.Code == qerrors.CodeNetwork,
			qerr.Code == qerrors.CodeToolUnavailable,
			qerr.Code == qerrors.CodeVectorSize:
			return exitConnection
		}
	}
	return exitFailure
}
