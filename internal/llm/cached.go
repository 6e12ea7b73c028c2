package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedProvider struct {
	Provider
	cache *lru.Cache[string, []float32]
}

// WithCache adds an LRU over Embed keyed by sha256(model + text), so
// identical chunk text across documents is embedded once per run.
func WithCache(p Provider, size int) Provider {
	if size <= 0 {
		return p
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return p
	}
	return &cachedProvider{Provider: p, cache: cache}
}

func (c *cachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		key := c.key(t)
		if vec, ok := c.cache.Get(key); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.Provider.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		c.cache.Add(c.key(missTexts[j]), vec)
	}
	return out, nil
}

func (c *cachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(c.ModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
