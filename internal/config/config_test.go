package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

const sampleYAML = `
global:
  qdrant:
    url: http://localhost:6334
    api_key: ${QDRANT_TEST_KEY}
    collection_name: kb
  llm:
    provider: openai
    models:
      embeddings: text-embedding-3-small
    embeddings:
      vector_size: 1536
  chunking:
    chunk_size: 1200
    chunk_overlap: 150
projects:
  docs:
    display_name: Documentation
    sources:
      localfile:
        handbook:
          path: /srv/handbook
      confluence:
        wiki:
          base_url: https://example.atlassian.net/wiki
          space_key: ENG
          email: svc@example.com
          api_token: ${CONF_TOKEN}
`

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("QDRANT_TEST_KEY", "secret-q")
	t.Setenv("CONF_TOKEN", "secret-c")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "secret-q", cfg.Global.Qdrant.APIKey)
	assert.Equal(t, "secret-c", cfg.Projects["docs"].Sources["confluence"]["wiki"].APIToken)
	assert.Equal(t, 1200, cfg.Global.Chunking.ChunkSize)
	// project_id backfilled from the map key
	assert.Equal(t, "docs", cfg.Projects["docs"].ProjectID)
}

func TestParseUnsetEnvExpandsEmpty(t *testing.T) {
	t.Setenv("QDRANT_TEST_KEY", "")
	t.Setenv("CONF_TOKEN", "")
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Empty(t, cfg.Global.Qdrant.APIKey)
}

func TestDefaultsApplied(t *testing.T) {
	t.Setenv("CONF_TOKEN", "x")
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "cl100k_base", cfg.Global.LLM.Tokenizer)
	assert.Equal(t, 3, cfg.Global.LLM.Request.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Global.FileConversion.ConversionTimeout)
	assert.Equal(t, 1000, cfg.Global.Chunking.MaxChunksPerDocument)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty qdrant url", func(c *Config) { c.Global.Qdrant.URL = "" }},
		{"bad provider", func(c *Config) { c.Global.LLM.Provider = "bedrock" }},
		{"bad tokenizer", func(c *Config) { c.Global.LLM.Tokenizer = "gpt2" }},
		{"zero vector size", func(c *Config) { c.Global.LLM.Embeddings.VectorSize = 0 }},
		{"overlap >= size", func(c *Config) { c.Global.Chunking.ChunkOverlap = c.Global.Chunking.ChunkSize }},
		{"backoff inverted", func(c *Config) {
			c.Global.LLM.Request.BackoffSMin = 40
			c.Global.LLM.Request.BackoffSMax = 10
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, qerrors.KindConfig, qerrors.KindOf(err))
		})
	}
}

func TestValidateSourceRequirements(t *testing.T) {
	cfg := NewConfig()
	cfg.Projects["p"] = ProjectConfig{
		ProjectID: "p",
		Sources: map[string]map[string]SourceConfig{
			"confluence": {"wiki": {BaseURL: "https://x"}}, // missing space_key
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "space_key")
}

func TestLegacyEmbeddingsBlockRejected(t *testing.T) {
	_, err := Parse([]byte(`
global:
  embeddings:
    model: old-style
`))
	require.Error(t, err)
	var se *qerrors.Error
	require.True(t, qerrors.As(err, &se))
	assert.Equal(t, qerrors.CodeConfigLegacyKey, se.Code)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("CONF_TOKEN", "x")
	t.Setenv("QDRANT_URL", "http://override:6334")
	t.Setenv("QDRANT_COLLECTION_NAME", "other")
	t.Setenv("LLM_EMBEDDING_MODEL", "text-embedding-3-large")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "http://override:6334", cfg.Global.Qdrant.URL)
	assert.Equal(t, "other", cfg.Global.Qdrant.CollectionName)
	assert.Equal(t, "text-embedding-3-large", cfg.Global.LLM.Models.Embeddings)
}

func TestRedactedMasksSecrets(t *testing.T) {
	t.Setenv("QDRANT_TEST_KEY", "secret-q")
	t.Setenv("CONF_TOKEN", "secret-c")
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.Equal(t, "***", red.Global.Qdrant.APIKey)
	assert.Equal(t, "***", red.Projects["docs"].Sources["confluence"]["wiki"].APIToken)
	// original untouched
	assert.Equal(t, "secret-q", cfg.Global.Qdrant.APIKey)
}
