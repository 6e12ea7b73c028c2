package llm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// retryTotal counts retry attempts across all providers; surfaced in the
// ingestion run report.
var retryTotal atomic.Int64

// RetryCount returns the number of provider retries performed so far.
func RetryCount() int64 { return retryTotal.Load() }

// RetryConfig controls exponential backoff for transient provider errors.
type RetryConfig struct {
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

type retryProvider struct {
	Provider
	cfg    RetryConfig
	logger *slog.Logger
	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) error
}

// WithRetry wraps a provider with exponential backoff. Only transient
// errors (network, 408, 425, 429, 5xx) are retried; everything else
// surfaces immediately.
func WithRetry(p Provider, cfg RetryConfig, logger *slog.Logger) Provider {
	if cfg.MaxRetries <= 0 {
		return p
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	return &retryProvider{Provider: p, cfg: cfg, logger: logger, sleep: sleepCtx}
}

func (r *retryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := r.do(ctx, "embed", func() error {
		var err error
		out, err = r.Provider.Embed(ctx, texts)
		return err
	})
	return out, err
}

func (r *retryProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	var out string
	err := r.do(ctx, "chat", func() error {
		var err error
		out, err = r.Provider.Chat(ctx, messages)
		return err
	})
	return out, err
}

func (r *retryProvider) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			retryTotal.Add(1)
			delay := r.backoff(attempt)
			r.logger.Warn("retrying provider call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return errors.Newf(errors.CodeSourceStalled, lastErr,
		"%s failed after %d retries", op, r.cfg.MaxRetries)
}

// backoff doubles from BackoffMin per attempt, capped at BackoffMax.
func (r *retryProvider) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.BackoffMax {
			return r.cfg.BackoffMax
		}
	}
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
