package llm

import (
	"log/slog"
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// New assembles the configured provider with its decorator stack:
// cache(retry(ratelimit(adapter))). The rate limiter sits inside retry so
// every attempt pays the throttle; the cache sits outside so hits skip all
// of it.
func New(cfg config.LLMConfig, logger *slog.Logger) (Provider, error) {
	tok, err := NewTokenizer(cfg.Tokenizer)
	if err != nil {
		return nil, errors.New(errors.CodeConfigInvalid, err.Error(), err)
	}

	var base Provider
	switch cfg.Provider {
	case "ollama":
		base, err = NewOllama(cfg, tok)
	case "openai", "openai_compat", "custom":
		base, err = NewOpenAI(cfg, tok)
	default:
		return nil, errors.Newf(errors.CodeConfigInvalid, nil, "unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	p := WithRateLimit(base, RateLimitConfig{
		RPM:         cfg.RateLimits.RPM,
		TPM:         cfg.RateLimits.TPM,
		Concurrency: cfg.RateLimits.Concurrency,
	})
	p = WithRetry(p, RetryConfig{
		MaxRetries: cfg.Request.MaxRetries,
		BackoffMin: secondsToDuration(cfg.Request.BackoffSMin),
		BackoffMax: secondsToDuration(cfg.Request.BackoffSMax),
	}, logger)
	p = WithCache(p, cfg.CacheSize)
	return p, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
