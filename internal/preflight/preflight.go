// Package preflight verifies that the workspace and its backends are
// usable before an ingestion pass or a serve session starts.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Status is the outcome of a single check.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result holds the outcome of one check.
type Result struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
}

// Critical reports whether a required check failed.
func (r Result) Critical() bool {
	return r.Required && r.Status == StatusFail
}

// Check is one named probe. Required checks fail the whole run; optional
// ones only warn.
type Check struct {
	Name     string
	Required bool
	Run      func(ctx context.Context) error
}

// Checker runs a sequence of checks and collects results.
type Checker struct {
	checks  []Check
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a checker. timeout bounds each individual probe.
func New(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{timeout: timeout, logger: logger}
}

// Add registers a check. Checks run in registration order.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// Run executes every check, even after failures, so the report is
// complete. The error is non-nil when any required check failed.
func (c *Checker) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(c.checks))
	failed := 0
	for _, check := range c.checks {
		probe, cancel := context.WithTimeout(ctx, c.timeout)
		err := check.Run(probe)
		cancel()

		res := Result{Name: check.Name, Required: check.Required}
		switch {
		case err == nil:
			res.Status = StatusPass
			res.Message = "ok"
		case check.Required:
			res.Status = StatusFail
			res.Message = err.Error()
			failed++
		default:
			res.Status = StatusWarn
			res.Message = err.Error()
		}
		c.logger.Debug("preflight check",
			slog.String("name", check.Name),
			slog.String("status", res.Status.String()))
		results = append(results, res)

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d required checks failed", failed)
	}
	return results, nil
}

// WorkspaceCheck verifies the workspace directory is writable.
func WorkspaceCheck(workspace string) Check {
	return Check{
		Name:     "workspace",
		Required: true,
		Run: func(context.Context) error {
			probe := filepath.Join(workspace, ".preflight")
			if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
				return fmt.Errorf("workspace not writable: %w", err)
			}
			return os.Remove(probe)
		},
	}
}
