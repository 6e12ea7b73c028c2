package config

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeConfigNotFound, err, "config file not found: %s", path).
				WithSuggestion("run 'qdrant-loader init' or pass --config")
		}
		return nil, errors.Newf(errors.CodeConfigInvalid, err, "read config %s", path)
	}
	return Parse(data)
}

// Parse parses YAML config bytes. ${NAME} references in string values are
// replaced with the environment value; unset variables expand to "".
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.New(errors.CodeConfigInvalid, "invalid YAML: "+err.Error(), err)
	}
	expandNode(&root)

	if err := root.Decode(cfg); err != nil {
		return nil, errors.New(errors.CodeConfigInvalid, "invalid config: "+err.Error(), err)
	}

	// Legacy "embeddings" top-level block was replaced by the unified llm block.
	var legacy struct {
		Global map[string]any `yaml:"global"`
	}
	if err := yaml.Unmarshal(data, &legacy); err == nil {
		if _, ok := legacy.Global["embeddings"]; ok {
			return nil, errors.New(errors.CodeConfigLegacyKey,
				"global.embeddings is no longer supported", nil).
				WithSuggestion("move embedding settings under global.llm")
		}
	}

	applyEnvOverrides(cfg)

	// Backfill project_id from the map key.
	for id, proj := range cfg.Projects {
		if proj.ProjectID == "" {
			proj.ProjectID = id
			cfg.Projects[id] = proj
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandNode walks the YAML tree replacing ${NAME} in scalar string values.
func expandNode(n *yaml.Node) {
	if n == nil {
		return
	}
	if n.Kind == yaml.ScalarNode && strings.Contains(n.Value, "${") {
		n.Value = envPattern.ReplaceAllStringFunc(n.Value, func(m string) string {
			name := m[2 : len(m)-1]
			return os.Getenv(name)
		})
	}
	for _, child := range n.Content {
		expandNode(child)
	}
}

// applyEnvOverrides applies the retrieval-side environment overrides; they
// take precedence over the file so the MCP server can run without one.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		c.Global.Qdrant.URL = v
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		c.Global.Qdrant.APIKey = v
	}
	if v := os.Getenv("QDRANT_COLLECTION_NAME"); v != "" {
		c.Global.Qdrant.CollectionName = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.Global.LLM.Provider = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.Global.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.Global.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_EMBEDDING_MODEL"); v != "" {
		c.Global.LLM.Models.Embeddings = v
	}
	if v := os.Getenv("LLM_CHAT_MODEL"); v != "" {
		c.Global.LLM.Models.Chat = v
	}
}

// FromEnv builds a config for the retrieval server from environment
// variables alone, used when serve runs without a config file.
func FromEnv() (*Config, error) {
	cfg := NewConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const redactedPlaceholder = "***"

// Redacted returns a deep copy with secrets masked, for `config` output.
func (c *Config) Redacted() *Config {
	out := *c
	out.Global.Qdrant.APIKey = redactSecret(c.Global.Qdrant.APIKey)
	out.Global.LLM.APIKey = redactSecret(c.Global.LLM.APIKey)
	if len(c.Global.LLM.Headers) > 0 {
		out.Global.LLM.Headers = make(map[string]string, len(c.Global.LLM.Headers))
		for k := range c.Global.LLM.Headers {
			out.Global.LLM.Headers[k] = redactedPlaceholder
		}
	}
	out.Projects = make(map[string]ProjectConfig, len(c.Projects))
	for id, proj := range c.Projects {
		p := proj
		p.Sources = make(map[string]map[string]SourceConfig, len(proj.Sources))
		for srcType, byName := range proj.Sources {
			p.Sources[srcType] = make(map[string]SourceConfig, len(byName))
			for name, src := range byName {
				s := src
				s.Token = redactSecret(src.Token)
				s.APIToken = redactSecret(src.APIToken)
				s.PAT = redactSecret(src.PAT)
				p.Sources[srcType][name] = s
			}
		}
		out.Projects[id] = p
	}
	return &out
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return redactedPlaceholder
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.New(errors.CodeInternal, "marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.New(errors.CodeInternal, "write config file", err)
	}
	return nil
}
