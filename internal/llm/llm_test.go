package llm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// fakeProvider counts calls and returns a scripted error sequence.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	inFlight int32
	maxSeen  int32
	errs     []error
	delay    time.Duration
	dims     int
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dimsOr(4))
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func (f *fakeProvider) dimsOr(d int) int {
	if f.dims > 0 {
		return f.dims
	}
	return d
}

func (f *fakeProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	return "ok", nil
}
func (f *fakeProvider) CountTokens(text string) int    { return (len(text) + 3) / 4 }
func (f *fakeProvider) Dimensions() int                { return f.dimsOr(4) }
func (f *fakeProvider) ModelName() string              { return "fake-embed" }
func (f *fakeProvider) Available(ctx context.Context) bool { return true }
func (f *fakeProvider) Close() error                   { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	fake := &fakeProvider{errs: []error{
		qerrors.New(qerrors.CodeRateLimited, "429", nil),
		qerrors.New(qerrors.CodeRateLimited, "429", nil),
	}}

	var delays []time.Duration
	p := WithRetry(fake, RetryConfig{MaxRetries: 3, BackoffMin: 10 * time.Millisecond, BackoffMax: 100 * time.Millisecond}, testLogger())
	p.(*retryProvider).sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	vecs, err := p.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, 3, fake.calls)

	// Backoff is monotone non-decreasing.
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], delays[1])
}

func TestRetryNeverRepeatsFatalErrors(t *testing.T) {
	fake := &fakeProvider{errs: []error{
		qerrors.New(qerrors.CodeAuthRejected, "401", nil),
	}}
	p := WithRetry(fake, RetryConfig{MaxRetries: 5, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond}, testLogger())
	p.(*retryProvider).sleep = func(context.Context, time.Duration) error { return nil }

	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, qerrors.KindAuth, qerrors.KindOf(err))
	assert.Equal(t, 1, fake.calls)
}

func TestRetryExhaustionEscalatesToSourceStalled(t *testing.T) {
	transient := qerrors.New(qerrors.CodeNetwork, "refused", nil)
	fake := &fakeProvider{errs: []error{transient, transient, transient}}
	p := WithRetry(fake, RetryConfig{MaxRetries: 2, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond}, testLogger())
	p.(*retryProvider).sleep = func(context.Context, time.Duration) error { return nil }

	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	var se *qerrors.Error
	require.True(t, qerrors.As(err, &se))
	assert.Equal(t, qerrors.CodeSourceStalled, se.Code)
	assert.Equal(t, 3, fake.calls)
	// The exhausted error must not look transient to outer retry loops.
	assert.False(t, qerrors.IsRetryable(err))
}

func TestRateLimitBoundsConcurrency(t *testing.T) {
	fake := &fakeProvider{delay: 20 * time.Millisecond}
	p := WithRateLimit(fake, RateLimitConfig{Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Embed(context.Background(), []string{"x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, fake.maxSeen, int32(2))
}

func TestRateLimitWaitsInsteadOfFailing(t *testing.T) {
	fake := &fakeProvider{}
	// 120 rpm refills at 2/s, so the third call waits roughly half a second.
	p := WithRateLimit(fake, RateLimitConfig{RPM: 120})
	b := p.(*rateLimitedProvider).requests
	b.tokens = 2

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Embed(context.Background(), []string{"x"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestCacheSkipsRepeatEmbeddings(t *testing.T) {
	fake := &fakeProvider{}
	p := WithCache(fake, 16)

	_, err := p.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls)

	vecs, err := p.Embed(context.Background(), []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.NotNil(t, v)
	}
	// Only "gamma" missed.
	assert.Equal(t, 2, fake.calls)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   qerrors.Kind
	}{
		{401, qerrors.KindAuth},
		{403, qerrors.KindAuth},
		{408, qerrors.KindTransientRateLimit},
		{429, qerrors.KindTransientRateLimit},
		{500, qerrors.KindTransientNetwork},
		{503, qerrors.KindTransientNetwork},
		{400, qerrors.KindModel},
		{404, qerrors.KindModel},
		{422, qerrors.KindModel},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.status, "x", nil)
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
	}
}

func TestHeuristicTokenizer(t *testing.T) {
	tok, err := NewTokenizer("none")
	require.NoError(t, err)
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("abc"))
	assert.Equal(t, 3, tok.Count("twelve chars"))

	_, err = NewTokenizer("gpt2")
	assert.Error(t, err)
}
