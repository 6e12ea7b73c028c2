// Package ui renders ingestion progress and summaries to the terminal.
package ui

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is one phase of an ingestion run.
type Stage int

const (
	// StageCollect streams documents out of the connectors.
	StageCollect Stage = iota
	// StageConvert turns binary documents into markdown.
	StageConvert
	// StageChunk splits documents into chunks.
	StageChunk
	// StageEmbed generates embeddings.
	StageEmbed
	// StageUpsert writes points to the vector store.
	StageUpsert
	// StageSweep tombstones documents the connectors no longer report.
	StageSweep
	// StageComplete indicates the run finished.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageCollect:
		return "Collecting"
	case StageConvert:
		return "Converting"
	case StageChunk:
		return "Chunking"
	case StageEmbed:
		return "Embedding"
	case StageUpsert:
		return "Upserting"
	case StageSweep:
		return "Sweeping"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag for plain output.
func (s Stage) Icon() string {
	switch s {
	case StageCollect:
		return "COLLECT"
	case StageConvert:
		return "CONVERT"
	case StageChunk:
		return "CHUNK"
	case StageEmbed:
		return "EMBED"
	case StageUpsert:
		return "UPSERT"
	case StageSweep:
		return "SWEEP"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is one progress update.
type ProgressEvent struct {
	Stage   Stage
	Current int
	Total   int
	Source  string
	Message string
}

// ErrorEvent is an error surfaced during a run.
type ErrorEvent struct {
	Source string
	Err    error
	IsWarn bool
}

// Summary is the final run report shown to the user.
type Summary struct {
	Projects   int
	Sources    int
	Documents  int
	Unchanged  int
	Chunks     int
	Embedded   int
	Upserted   int
	Tombstoned int
	Failed     int
	Retries    int64
	Duration   time.Duration
}

// Renderer displays run progress.
type Renderer interface {
	UpdateProgress(event ProgressEvent)
	AddError(event ErrorEvent)
	Complete(summary Summary)
}

// Config configures the renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
}

// NewRenderer picks a renderer for the environment: styled output on an
// interactive terminal, plain text for pipes and CI.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	if DetectNoColor() {
		cfg.NoColor = true
	}
	return NewStyledRenderer(cfg)
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI reports whether a CI environment variable is present.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
