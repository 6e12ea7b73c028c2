package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// StyledRenderer writes colored progress lines for interactive terminals.
// It stays line-oriented: no alternate screen, so output survives in
// scrollback and plays well with logging to stderr.
type StyledRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	styles Styles
	stage  Stage
	errors []ErrorEvent
}

// NewStyledRenderer creates a styled renderer.
func NewStyledRenderer(cfg Config) *StyledRenderer {
	return &StyledRenderer{
		out:    cfg.Output,
		styles: GetStyles(cfg.NoColor),
		stage:  Stage(-1),
	}
}

// UpdateProgress implements Renderer. Stage transitions print a header
// line; per-item updates print beneath it.
func (r *StyledRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.stage {
		r.stage = event.Stage
		fmt.Fprintln(r.out, r.styles.Header.Render(event.Stage.String()))
	}

	msg := event.Message
	if msg == "" {
		msg = event.Source
	}
	switch {
	case event.Total > 0:
		fmt.Fprintf(r.out, "  %s %s\n",
			r.styles.Stage.Render(fmt.Sprintf("%d/%d", event.Current, event.Total)),
			r.styles.Label.Render(msg))
	case msg != "":
		fmt.Fprintf(r.out, "  %s\n", r.styles.Label.Render(msg))
	}
}

// AddError implements Renderer.
func (r *StyledRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, event)
	style, prefix := r.styles.Error, "error"
	if event.IsWarn {
		style, prefix = r.styles.Warning, "warning"
	}
	if event.Source != "" {
		fmt.Fprintf(r.out, "  %s %s: %v\n", style.Render(prefix), event.Source, event.Err)
	} else {
		fmt.Fprintf(r.out, "  %s %v\n", style.Render(prefix), event.Err)
	}
}

// Complete implements Renderer.
func (r *StyledRenderer) Complete(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.out, r.styles.Header.Render("Complete"))
	line := func(label string, value string) {
		fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render(label), value)
	}
	line("documents", fmt.Sprintf("%d (%d unchanged)", s.Documents, s.Unchanged))
	line("chunks", fmt.Sprintf("%d", s.Chunks))
	line("upserted", fmt.Sprintf("%d", s.Upserted))
	if s.Tombstoned > 0 {
		line("tombstoned", fmt.Sprintf("%d", s.Tombstoned))
	}
	if s.Failed > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", r.styles.Error.Render("failed"), s.Failed)
	}
	if s.Retries > 0 {
		line("retries", fmt.Sprintf("%d", s.Retries))
	}
	line("duration", s.Duration.Round(100*time.Millisecond).String())
}
