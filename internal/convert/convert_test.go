package convert

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhbn/qdrant-loader-sub001/internal/llm"
)

func newTestConverter() *Converter {
	return New(Config{MaxFileSize: 1 << 20, Timeout: 5 * time.Second}, nil)
}

func TestConvertHTML(t *testing.T) {
	c := newTestConverter()
	res := c.Convert(context.Background(), Input{
		Content:  []byte("<h1>Title</h1><p>Some <strong>bold</strong> text.</p>"),
		MimeType: "text/html",
		FileName: "page.html",
	})
	assert.Equal(t, OutcomeConverted, res.Outcome)
	assert.Contains(t, res.Markdown, "# Title")
	assert.Contains(t, res.Markdown, "**bold**")
}

func TestConvertCSVToTable(t *testing.T) {
	c := newTestConverter()
	res := c.Convert(context.Background(), Input{
		Content:  []byte("name,age\nalice,30\nbob,41\n"),
		MimeType: "text/csv",
		FileName: "people.csv",
	})
	require.Equal(t, OutcomeConverted, res.Outcome)
	lines := strings.Split(strings.TrimSpace(res.Markdown), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "| name | age |", lines[0])
	assert.Equal(t, "| --- | --- |", lines[1])
	assert.Equal(t, "| alice | 30 |", lines[2])
}

func TestConvertJSONFenced(t *testing.T) {
	c := newTestConverter()
	res := c.Convert(context.Background(), Input{
		Content:  []byte(`{"b":1,"a":[2,3]}`),
		MimeType: "application/json",
		FileName: "data.json",
	})
	require.Equal(t, OutcomeConverted, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Markdown, "```json\n"))
	assert.Contains(t, res.Markdown, `"a": [`)
}

func TestConvertUnsupportedFallsBack(t *testing.T) {
	c := newTestConverter()
	res := c.Convert(context.Background(), Input{
		Content:  []byte{0x25, 0x50, 0x44, 0x46},
		MimeType: "application/pdf",
		FileName: "report.pdf",
		Metadata: map[string]string{"author": "a. writer"},
	})
	assert.Equal(t, OutcomeUnsupported, res.Outcome)
	assert.Contains(t, res.Markdown, "# report.pdf")
	assert.Contains(t, res.Markdown, "author: a. writer")
}

func TestConvertTooLarge(t *testing.T) {
	c := New(Config{MaxFileSize: 4, Timeout: time.Second}, nil)
	res := c.Convert(context.Background(), Input{
		Content:  []byte("12345"),
		MimeType: "text/plain",
		FileName: "big.txt",
	})
	assert.Equal(t, OutcomeSkippedTooLarge, res.Outcome)
}

func TestConvertDeterministic(t *testing.T) {
	c := newTestConverter()
	in := Input{
		Content:  []byte("<p>stable</p>"),
		MimeType: "text/html",
		FileName: "x.html",
	}
	first := c.Convert(context.Background(), in)
	second := c.Convert(context.Background(), in)
	assert.Equal(t, first.Markdown, second.Markdown)
	assert.Equal(t, first.Outcome, second.Outcome)
}

// blockingChat sleeps past any test timeout to force the deadline path.
type blockingChat struct{}

func (blockingChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (blockingChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	time.Sleep(500 * time.Millisecond)
	return "caption", nil
}

func (blockingChat) CountTokens(string) int         { return 0 }
func (blockingChat) Dimensions() int                { return 0 }
func (blockingChat) ModelName() string              { return "slow" }
func (blockingChat) Available(context.Context) bool { return true }
func (blockingChat) Close() error                   { return nil }

func TestConvertTimeout(t *testing.T) {
	c := New(Config{Timeout: 20 * time.Millisecond, EnableLLMCaptions: true}, blockingChat{})
	res := c.Convert(context.Background(), Input{
		Content:  []byte{0xff, 0xd8},
		MimeType: "image/jpeg",
		FileName: "photo.jpg",
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Detail, "timed out")
}

func TestMarkdownPassthrough(t *testing.T) {
	c := newTestConverter()
	res := c.Convert(context.Background(), Input{
		Content:  []byte("# already markdown"),
		MimeType: "text/markdown",
		FileName: "doc.md",
	})
	assert.Equal(t, OutcomeConverted, res.Outcome)
	assert.Equal(t, "# already markdown", res.Markdown)
}
