package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer writes plain text progress lines, for CI and pipes.
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	errors []ErrorEvent
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := event.Message
	if msg == "" {
		msg = event.Source
	}
	if event.Total > 0 {
		fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	} else if msg != "" {
		fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, event)
	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.Source != "" {
		fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.Source, event.Err)
	} else {
		fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.out, "Complete: %d documents (%d unchanged), %d chunks, %d upserted, %d tombstoned in %s\n",
		s.Documents, s.Unchanged, s.Chunks, s.Upserted, s.Tombstoned,
		s.Duration.Round(100*time.Millisecond))
	if s.Failed > 0 {
		fmt.Fprintf(r.out, "Failed: %d documents\n", s.Failed)
	}
	if s.Retries > 0 {
		fmt.Fprintf(r.out, "Retries: %d\n", s.Retries)
	}
}

// Errors returns the errors collected during the run.
func (r *PlainRenderer) Errors() []ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorEvent(nil), r.errors...)
}
