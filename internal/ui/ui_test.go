package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStageStrings(t *testing.T) {
	assert.Equal(t, "Collecting", StageCollect.String())
	assert.Equal(t, "EMBED", StageEmbed.Icon())
	assert.Equal(t, "Unknown", Stage(99).String())
}

func TestNewRendererPicksPlainForBuffers(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(Config{Output: &buf})
	_, ok := r.(*PlainRenderer)
	assert.True(t, ok)
}

func TestNewRendererForcePlain(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(Config{Output: &buf, ForcePlain: true})
	_, ok := r.(*PlainRenderer)
	assert.True(t, ok)
}

func TestPlainRendererProgress(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(Config{Output: &buf})

	r.UpdateProgress(ProgressEvent{Stage: StageChunk, Current: 3, Total: 10, Source: "localfile/docs"})
	assert.Contains(t, buf.String(), "[CHUNK] 3/10 - localfile/docs")

	buf.Reset()
	r.UpdateProgress(ProgressEvent{Stage: StageSweep, Message: "removing stale documents"})
	assert.Contains(t, buf.String(), "[SWEEP] removing stale documents")

	// No total and no message prints nothing.
	buf.Reset()
	r.UpdateProgress(ProgressEvent{Stage: StageEmbed})
	assert.Empty(t, buf.String())
}

func TestPlainRendererErrors(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(Config{Output: &buf})

	r.AddError(ErrorEvent{Source: "confluence/wiki", Err: errors.New("401 unauthorized")})
	r.AddError(ErrorEvent{Err: errors.New("keyword index degraded"), IsWarn: true})

	out := buf.String()
	assert.Contains(t, out, "ERROR: confluence/wiki: 401 unauthorized")
	assert.Contains(t, out, "WARN: keyword index degraded")
	assert.Len(t, r.Errors(), 2)
}

func TestPlainRendererComplete(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(Config{Output: &buf})

	r.Complete(Summary{
		Documents:  12,
		Unchanged:  4,
		Chunks:     80,
		Upserted:   76,
		Tombstoned: 2,
		Failed:     1,
		Retries:    3,
		Duration:   1712 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "12 documents (4 unchanged)")
	assert.Contains(t, out, "80 chunks")
	assert.Contains(t, out, "2 tombstoned")
	assert.Contains(t, out, "Failed: 1")
	assert.Contains(t, out, "Retries: 3")
	assert.Contains(t, out, "1.7s")
}

func TestStyledRendererStageHeaders(t *testing.T) {
	var buf bytes.Buffer
	r := NewStyledRenderer(Config{Output: &buf, NoColor: true})

	r.UpdateProgress(ProgressEvent{Stage: StageEmbed, Current: 1, Total: 4, Source: "git/repo"})
	r.UpdateProgress(ProgressEvent{Stage: StageEmbed, Current: 2, Total: 4, Source: "git/repo"})

	out := buf.String()
	// Header printed once per stage transition.
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Embedding")))
	assert.Contains(t, out, "1/4")
	assert.Contains(t, out, "2/4")
}

func TestStyledRendererComplete(t *testing.T) {
	var buf bytes.Buffer
	r := NewStyledRenderer(Config{Output: &buf, NoColor: true})

	r.Complete(Summary{Documents: 5, Chunks: 20, Upserted: 20, Duration: time.Second})

	out := buf.String()
	assert.Contains(t, out, "Complete")
	assert.Contains(t, out, "5 (0 unchanged)")
	assert.Contains(t, out, "duration 1s")
}
