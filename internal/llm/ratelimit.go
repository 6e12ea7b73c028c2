package llm

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a simple refilling bucket. Callers wait for capacity, they
// never fail because of throttling.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
}

func newTokenBucket(perMinute int) *tokenBucket {
	if perMinute <= 0 {
		return nil
	}
	cap := float64(perMinute)
	return &tokenBucket{
		capacity: cap,
		tokens:   cap,
		perSec:   cap / 60.0,
		last:     time.Now(),
	}
}

// take blocks until n tokens are available or ctx is done. Requests larger
// than the bucket capacity drain it fully rather than deadlocking.
func (b *tokenBucket) take(ctx context.Context, n float64) error {
	if b == nil {
		return nil
	}
	if n > b.capacity {
		n = b.capacity
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * b.perSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((n - b.tokens) / b.perSec * float64(time.Second))
		b.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// RateLimitConfig mirrors the rate_limits config block.
type RateLimitConfig struct {
	RPM         int
	TPM         int
	Concurrency int
}

type rateLimitedProvider struct {
	Provider
	requests *tokenBucket
	tokens   *tokenBucket
	sem      chan struct{}
}

// WithRateLimit gates every provider call on rpm/tpm buckets and an
// in-flight concurrency semaphore. It sits inside the retry decorator so
// each retry attempt pays the throttle again.
func WithRateLimit(p Provider, cfg RateLimitConfig) Provider {
	rl := &rateLimitedProvider{
		Provider: p,
		requests: newTokenBucket(cfg.RPM),
		tokens:   newTokenBucket(cfg.TPM),
	}
	if cfg.Concurrency > 0 {
		rl.sem = make(chan struct{}, cfg.Concurrency)
	}
	return rl
}

func (r *rateLimitedProvider) acquire(ctx context.Context, tokenCost int) (func(), error) {
	if err := r.requests.take(ctx, 1); err != nil {
		return nil, err
	}
	if err := r.tokens.take(ctx, float64(tokenCost)); err != nil {
		return nil, err
	}
	if r.sem == nil {
		return func() {}, nil
	}
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *rateLimitedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	cost := 0
	for _, t := range texts {
		cost += r.CountTokens(t)
	}
	release, err := r.acquire(ctx, cost)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.Provider.Embed(ctx, texts)
}

func (r *rateLimitedProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	cost := 0
	for _, m := range messages {
		cost += r.CountTokens(m.Content)
	}
	release, err := r.acquire(ctx, cost)
	if err != nil {
		return "", err
	}
	defer release()
	return r.Provider.Chat(ctx, messages)
}
