// Package convert turns binary and markup documents into Markdown ahead of
// chunking. Conversion is deterministic and runs under a wall-clock timeout;
// failures fall back to a textual description so the document still flows
// through the pipeline.
package convert

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
)

// Outcome classifies a conversion attempt.
type Outcome string

const (
	OutcomeConverted      Outcome = "converted"
	OutcomeSkippedTooLarge Outcome = "skipped_too_large"
	OutcomeFailed         Outcome = "failed"
	OutcomeUnsupported    Outcome = "unsupported"
)

// Input is one document to convert.
type Input struct {
	Content  []byte
	MimeType string
	FileName string
	// Metadata is included in the fallback description.
	Metadata map[string]string
}

// Result carries the markdown text and how it was produced.
type Result struct {
	Markdown string
	Outcome  Outcome
	Detail   string
}

// Config controls size and time limits.
type Config struct {
	MaxFileSize       int64
	Timeout           time.Duration
	EnableLLMCaptions bool
}

// Converter converts documents to Markdown.
type Converter struct {
	cfg  Config
	chat llm.Provider
}

// New creates a converter. chat may be nil; it is only used for image
// captions when EnableLLMCaptions is set.
func New(cfg Config, chat llm.Provider) *Converter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Converter{cfg: cfg, chat: chat}
}

// Convert produces markdown for in. It never returns an error: failures are
// reported through the outcome and the fallback text is always usable.
func (c *Converter) Convert(ctx context.Context, in Input) Result {
	if c.cfg.MaxFileSize > 0 && int64(len(in.Content)) > c.cfg.MaxFileSize {
		return Result{
			Markdown: fallbackText(in),
			Outcome:  OutcomeSkippedTooLarge,
			Detail:   fmt.Sprintf("%d bytes exceeds limit %d", len(in.Content), c.cfg.MaxFileSize),
		}
	}

	// Run the actual conversion in a worker goroutine so a hung converter
	// cannot stall the pipeline past the wall-clock timeout.
	timed, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	type answer struct {
		res Result
	}
	done := make(chan answer, 1)
	go func() {
		done <- answer{res: c.convert(timed, in)}
	}()

	select {
	case a := <-done:
		return a.res
	case <-timed.Done():
		return Result{
			Markdown: fallbackText(in),
			Outcome:  OutcomeFailed,
			Detail:   "conversion timed out after " + c.cfg.Timeout.String(),
		}
	}
}

func (c *Converter) convert(ctx context.Context, in Input) Result {
	switch normalizeType(in) {
	case "html":
		md, err := htmltomarkdown.ConvertString(string(in.Content))
		if err != nil {
			return Result{Markdown: fallbackText(in), Outcome: OutcomeFailed, Detail: err.Error()}
		}
		return Result{Markdown: md, Outcome: OutcomeConverted}

	case "csv":
		return convertDelimited(in, ',')
	case "tsv":
		return convertDelimited(in, '\t')

	case "json":
		return convertFenced(in, "json", func(raw []byte) (string, bool) {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return "", false
			}
			pretty, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return "", false
			}
			return string(pretty), true
		})
	case "yaml":
		return convertFenced(in, "yaml", func(raw []byte) (string, bool) {
			return string(raw), utf8.Valid(raw)
		})

	case "markdown", "text":
		if utf8.Valid(in.Content) {
			return Result{Markdown: string(in.Content), Outcome: OutcomeConverted}
		}
		return Result{Markdown: fallbackText(in), Outcome: OutcomeFailed, Detail: "not valid UTF-8"}

	case "image":
		return c.convertImage(ctx, in)

	default:
		return Result{
			Markdown: fallbackText(in),
			Outcome:  OutcomeUnsupported,
			Detail:   "no converter for " + in.MimeType,
		}
	}
}

// convertImage emits the fallback description, optionally extended with an
// LLM-generated caption.
func (c *Converter) convertImage(ctx context.Context, in Input) Result {
	text := fallbackText(in)
	if !c.cfg.EnableLLMCaptions || c.chat == nil {
		return Result{Markdown: text, Outcome: OutcomeUnsupported, Detail: "image content"}
	}
	caption, err := c.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Describe the image for a search index in two sentences."},
		{Role: llm.RoleUser, Content: "Image file: " + in.FileName},
	})
	if err != nil || strings.TrimSpace(caption) == "" {
		return Result{Markdown: text, Outcome: OutcomeUnsupported, Detail: "image content"}
	}
	return Result{
		Markdown: text + "\n\n## Description\n\n" + strings.TrimSpace(caption) + "\n",
		Outcome:  OutcomeConverted,
	}
}

func convertDelimited(in Input, sep rune) Result {
	r := csv.NewReader(strings.NewReader(string(in.Content)))
	r.Comma = sep
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return Result{Markdown: fallbackText(in), Outcome: OutcomeFailed, Detail: "parse delimited content"}
	}

	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	var b strings.Builder
	for i, row := range rows {
		b.WriteString("|")
		for col := 0; col < width; col++ {
			cell := ""
			if col < len(row) {
				cell = strings.ReplaceAll(row[col], "|", "\\|")
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
		}
	}
	return Result{Markdown: b.String(), Outcome: OutcomeConverted}
}

func convertFenced(in Input, lang string, render func([]byte) (string, bool)) Result {
	body, ok := render(in.Content)
	if !ok {
		return Result{Markdown: fallbackText(in), Outcome: OutcomeFailed, Detail: "parse " + lang}
	}
	return Result{
		Markdown: "```" + lang + "\n" + strings.TrimRight(body, "\n") + "\n```\n",
		Outcome:  OutcomeConverted,
	}
}

// fallbackText is the description-only representation used when conversion
// is impossible: filename, metadata, and any UTF-8-decodable bytes.
func fallbackText(in Input) string {
	var b strings.Builder
	b.WriteString("# " + in.FileName + "\n\n")
	if len(in.Metadata) > 0 {
		for _, k := range sortedKeys(in.Metadata) {
			b.WriteString("- " + k + ": " + in.Metadata[k] + "\n")
		}
		b.WriteString("\n")
	}
	if utf8.Valid(in.Content) && len(in.Content) > 0 {
		b.Write(in.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// normalizeType maps mime type and extension onto a converter family.
func normalizeType(in Input) string {
	ext := strings.ToLower(in.FileName)
	if i := strings.LastIndex(ext, "."); i >= 0 {
		ext = ext[i+1:]
	} else {
		ext = ""
	}

	switch {
	case strings.Contains(in.MimeType, "html") || ext == "html" || ext == "htm" || ext == "xhtml":
		return "html"
	case strings.Contains(in.MimeType, "csv") || ext == "csv":
		return "csv"
	case strings.Contains(in.MimeType, "tab-separated") || ext == "tsv":
		return "tsv"
	case strings.Contains(in.MimeType, "json") || ext == "json":
		return "json"
	case strings.Contains(in.MimeType, "yaml") || ext == "yaml" || ext == "yml":
		return "yaml"
	case strings.Contains(in.MimeType, "markdown") || ext == "md" || ext == "markdown":
		return "markdown"
	case strings.HasPrefix(in.MimeType, "text/") || ext == "txt" || ext == "rst":
		return "text"
	case strings.HasPrefix(in.MimeType, "image/"):
		return "image"
	default:
		return "unknown"
	}
}
