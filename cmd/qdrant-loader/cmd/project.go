package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/state"
)

// newProjectCmd creates the project command group.
func newProjectCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Inspect configured projects",
	}
	cmd.AddCommand(newProjectListCmd(flags))
	cmd.AddCommand(newProjectStatusCmd(flags))
	cmd.AddCommand(newProjectValidateCmd(flags))
	return cmd
}

// projectInfo is one project in list output.
type projectInfo struct {
	ProjectID   string   `json:"project_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Sources     []string `json:"sources"`
}

func newProjectListCmd(flags *rootFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured projects and their sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			infos := make([]projectInfo, 0, len(cfg.Projects))
			for id, proj := range cfg.Projects {
				info := projectInfo{
					ProjectID:   id,
					DisplayName: proj.DisplayName,
					Description: proj.Description,
				}
				for srcType, byName := range proj.Sources {
					for name := range byName {
						info.Sources = append(info.Sources, srcType+"/"+name)
					}
				}
				sort.Strings(info.Sources)
				infos = append(infos, info)
			}
			sort.Slice(infos, func(i, j int) bool { return infos[i].ProjectID < infos[j].ProjectID })

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tNAME\tSOURCES")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\n", info.ProjectID, info.DisplayName, len(info.Sources))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}

// sourceStatus is one source in status output.
type sourceStatus struct {
	SourceType string `json:"source_type"`
	SourceName string `json:"source_name"`
	Documents  int    `json:"documents"`
	Chunks     int    `json:"chunks"`
	LastRun    string `json:"last_run,omitempty"`
}

func newProjectStatusCmd(flags *rootFlags) *cobra.Command {
	var format string
	var project string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report per-source document and chunk counts from the state store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			st, err := state.Open(statePath(flags.workspace, cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			ids := projectIDs(cfg, project)
			out := make(map[string][]sourceStatus, len(ids))
			for _, id := range ids {
				statuses, err := st.ProjectStatus(cmd.Context(), id)
				if err != nil {
					return err
				}
				rows := make([]sourceStatus, 0, len(statuses))
				for _, s := range statuses {
					row := sourceStatus{
						SourceType: s.SourceType,
						SourceName: s.SourceName,
						Documents:  s.DocumentCount,
						Chunks:     s.ChunkCount,
					}
					if !s.LastRun.IsZero() {
						row.LastRun = s.LastRun.UTC().Format(time.RFC3339)
					}
					rows = append(rows, row)
				}
				out[id] = rows
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tSOURCE\tDOCUMENTS\tCHUNKS\tLAST RUN")
			for _, id := range ids {
				for _, row := range out[id] {
					fmt.Fprintf(w, "%s\t%s/%s\t%d\t%d\t%s\n",
						id, row.SourceType, row.SourceName, row.Documents, row.Chunks, row.LastRun)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().StringVar(&project, "project", "", "Only report this project")
	return cmd
}

func newProjectValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Load parses, expands env references and validates.
			if _, err := flags.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}
}

func projectIDs(cfg *config.Config, only string) []string {
	var ids []string
	for id := range cfg.Projects {
		if only != "" && only != id {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
