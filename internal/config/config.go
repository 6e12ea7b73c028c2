// Package config loads and validates the qdrant-loader configuration file.
//
// The file is a single YAML document with two top-level keys, global and
// projects. Environment variables of the form ${NAME} are expanded in all
// string values before parsing.
package config

import (
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// Config is the complete qdrant-loader configuration.
type Config struct {
	Global   GlobalConfig              `yaml:"global"`
	Projects map[string]ProjectConfig  `yaml:"projects"`
}

// GlobalConfig carries settings shared by all projects.
type GlobalConfig struct {
	Qdrant         QdrantConfig         `yaml:"qdrant"`
	LLM            LLMConfig            `yaml:"llm"`
	Chunking       ChunkingConfig       `yaml:"chunking"`
	StateManagement StateConfig         `yaml:"state_management"`
	FileConversion FileConversionConfig `yaml:"file_conversion"`
}

// QdrantConfig configures the vector store endpoint.
type QdrantConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	CollectionName string `yaml:"collection_name"`
	Distance       string `yaml:"distance"`
}

// LLMConfig is the unified provider configuration.
type LLMConfig struct {
	Provider   string            `yaml:"provider"`
	BaseURL    string            `yaml:"base_url"`
	APIKey     string            `yaml:"api_key"`
	Headers    map[string]string `yaml:"headers"`
	Models     ModelsConfig      `yaml:"models"`
	Tokenizer  string            `yaml:"tokenizer"`
	Request    RequestConfig     `yaml:"request"`
	RateLimits RateLimitConfig   `yaml:"rate_limits"`
	Embeddings EmbeddingsConfig  `yaml:"embeddings"`
	CacheSize  int               `yaml:"cache_size"`
}

// ModelsConfig names the embedding and chat models.
type ModelsConfig struct {
	Embeddings string `yaml:"embeddings"`
	Chat       string `yaml:"chat"`
}

// RequestConfig controls request timeouts and retry behavior.
type RequestConfig struct {
	TimeoutS    int     `yaml:"timeout_s"`
	MaxRetries  int     `yaml:"max_retries"`
	BackoffSMin float64 `yaml:"backoff_s_min"`
	BackoffSMax float64 `yaml:"backoff_s_max"`
}

// RateLimitConfig controls the provider-side throttles.
type RateLimitConfig struct {
	RPM         int `yaml:"rpm"`
	TPM         int `yaml:"tpm"`
	Concurrency int `yaml:"concurrency"`
}

// EmbeddingsConfig carries embedding-specific settings.
type EmbeddingsConfig struct {
	VectorSize          int `yaml:"vector_size"`
	MaxTokensPerRequest int `yaml:"max_tokens_per_request"`
	MaxTokensPerChunk   int `yaml:"max_tokens_per_chunk"`
}

// ChunkingConfig configures the chunking engine and its strategies.
type ChunkingConfig struct {
	ChunkSize            int     `yaml:"chunk_size"`
	ChunkOverlap         int     `yaml:"chunk_overlap"`
	MinChunkSize         int     `yaml:"min_chunk_size"`
	MaxChunksPerDocument int     `yaml:"max_chunks_per_document"`
	MaxOverlapPercentage float64 `yaml:"max_overlap_percentage"`

	Markdown MarkdownChunkingConfig `yaml:"markdown"`
	HTML     HTMLChunkingConfig     `yaml:"html"`
	Code     CodeChunkingConfig     `yaml:"code"`
	JSON     JSONChunkingConfig     `yaml:"json"`
}

// MarkdownChunkingConfig tunes the markdown strategy.
type MarkdownChunkingConfig struct {
	MinSectionSize            int `yaml:"min_section_size"`
	MaxChunksPerSection       int `yaml:"max_chunks_per_section"`
	HeaderAnalysisThresholdH1 int `yaml:"header_analysis_threshold_h1"`
	HeaderAnalysisThresholdH3 int `yaml:"header_analysis_threshold_h3"`
}

// HTMLChunkingConfig tunes the HTML strategy.
type HTMLChunkingConfig struct {
	SimpleParsingThreshold    int  `yaml:"simple_parsing_threshold"`
	MaxHTMLSizeForParsing     int  `yaml:"max_html_size_for_parsing"`
	PreserveSemanticStructure bool `yaml:"preserve_semantic_structure"`
}

// CodeChunkingConfig tunes the code strategy.
type CodeChunkingConfig struct {
	EnableASTParsing         bool `yaml:"enable_ast_parsing"`
	MaxFileSizeForAST        int  `yaml:"max_file_size_for_ast"`
	MaxElementSize           int  `yaml:"max_element_size"`
	MaxRecursionDepth        int  `yaml:"max_recursion_depth"`
	EnableDependencyAnalysis bool `yaml:"enable_dependency_analysis"`
}

// JSONChunkingConfig tunes the JSON strategy.
type JSONChunkingConfig struct {
	MaxJSONSizeForParsing  int  `yaml:"max_json_size_for_parsing"`
	MaxArrayItemsPerChunk  int  `yaml:"max_array_items_per_chunk"`
	MaxObjectKeysToProcess int  `yaml:"max_object_keys_to_process"`
	EnableSchemaInference  bool `yaml:"enable_schema_inference"`
}

// StateConfig configures the workspace state store.
type StateConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// FileConversionConfig configures binary-to-markdown conversion.
type FileConversionConfig struct {
	MaxFileSize       int64 `yaml:"max_file_size"`
	ConversionTimeout time.Duration `yaml:"conversion_timeout"`
	MarkItDown        MarkItDownConfig `yaml:"markitdown"`
}

// MarkItDownConfig carries converter extras.
type MarkItDownConfig struct {
	EnableLLMDescriptions bool `yaml:"enable_llm_descriptions"`
}

// ProjectConfig declares one project and its sources.
type ProjectConfig struct {
	ProjectID   string `yaml:"project_id"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
	// Sources maps source-type -> source-name -> config.
	Sources map[string]map[string]SourceConfig `yaml:"sources"`
}

// SourceConfig is the union of per-source-type settings. Connectors read
// the fields relevant to their type and ignore the rest.
type SourceConfig struct {
	// Shared.
	BaseURL              string   `yaml:"base_url"`
	IncludePaths         []string `yaml:"include_paths"`
	ExcludePaths         []string `yaml:"exclude_paths"`
	FileTypes            []string `yaml:"file_types"`
	MaxFileSize          int64    `yaml:"max_file_size"`
	EnableFileConversion bool     `yaml:"enable_file_conversion"`
	PreserveHierarchy    bool     `yaml:"preserve_hierarchy"`

	// git
	Branch string `yaml:"branch"`
	Token  string `yaml:"token"`

	// confluence / jira
	Email       string `yaml:"email"`
	APIToken    string `yaml:"api_token"`
	PAT         string `yaml:"pat"`
	SpaceKey    string `yaml:"space_key"`
	ProjectKey  string `yaml:"project_key"`
	DownloadAttachments bool `yaml:"download_attachments"`

	// jira filters
	IssueTypes       []string `yaml:"issue_types"`
	IncludeStatuses  []string `yaml:"include_statuses"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`

	// publicdocs
	PathPattern         string   `yaml:"path_pattern"`
	ContentSelector     string   `yaml:"selector"`
	RemoveSelectors     []string `yaml:"remove"`
	AttachmentSelectors []string `yaml:"attachment_selectors"`
	MaxPages            int      `yaml:"max_pages"`

	// localfile
	Path string `yaml:"path"`
}

// SourceTypes lists the supported source types in a stable order.
var SourceTypes = []string{"git", "confluence", "jira", "publicdocs", "localfile"}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			Qdrant: QdrantConfig{
				URL:            "http://localhost:6334",
				CollectionName: "documents",
				Distance:       "cosine",
			},
			LLM: LLMConfig{
				Provider:  "openai",
				BaseURL:   "https://api.openai.com/v1",
				Tokenizer: "cl100k_base",
				Models: ModelsConfig{
					Embeddings: "text-embedding-3-small",
					Chat:       "gpt-4o-mini",
				},
				Request: RequestConfig{
					TimeoutS:    60,
					MaxRetries:  3,
					BackoffSMin: 1,
					BackoffSMax: 30,
				},
				RateLimits: RateLimitConfig{
					RPM:         600,
					TPM:         1_000_000,
					Concurrency: 4,
				},
				Embeddings: EmbeddingsConfig{
					VectorSize:          1536,
					MaxTokensPerRequest: 8000,
					MaxTokensPerChunk:   8000,
				},
				CacheSize: 4096,
			},
			Chunking: ChunkingConfig{
				ChunkSize:            1500,
				ChunkOverlap:         200,
				MinChunkSize:         100,
				MaxChunksPerDocument: 1000,
				MaxOverlapPercentage: 0.25,
				Markdown: MarkdownChunkingConfig{
					MinSectionSize:            200,
					MaxChunksPerSection:       100,
					HeaderAnalysisThresholdH1: 3,
					HeaderAnalysisThresholdH3: 8,
				},
				HTML: HTMLChunkingConfig{
					SimpleParsingThreshold: 100 * 1024,
					MaxHTMLSizeForParsing:  2 * 1024 * 1024,
				},
				Code: CodeChunkingConfig{
					EnableASTParsing:  true,
					MaxFileSizeForAST: 512 * 1024,
					MaxElementSize:    2000,
					MaxRecursionDepth: 8,
				},
				JSON: JSONChunkingConfig{
					MaxJSONSizeForParsing: 1024 * 1024,
					MaxArrayItemsPerChunk: 50,
					MaxObjectKeysToProcess: 200,
					EnableSchemaInference: true,
				},
			},
			StateManagement: StateConfig{
				DatabasePath: "state.db",
			},
			FileConversion: FileConversionConfig{
				MaxFileSize:       50 * 1024 * 1024,
				ConversionTimeout: 60 * time.Second,
			},
		},
		Projects: map[string]ProjectConfig{},
	}
}

// Validate checks the configuration and returns a ConfigError describing the
// first problem found.
func (c *Config) Validate() error {
	if c.Global.Qdrant.URL == "" {
		return invalid("global.qdrant.url is required")
	}
	if c.Global.Qdrant.CollectionName == "" {
		return invalid("global.qdrant.collection_name is required")
	}
	switch c.Global.LLM.Provider {
	case "openai", "ollama", "openai_compat", "custom":
	default:
		return invalid("global.llm.provider must be one of openai, ollama, openai_compat, custom")
	}
	switch c.Global.LLM.Tokenizer {
	case "cl100k_base", "none":
	default:
		return invalid("global.llm.tokenizer must be cl100k_base or none")
	}
	if c.Global.LLM.Embeddings.VectorSize <= 0 {
		return invalid("global.llm.embeddings.vector_size must be positive")
	}
	if c.Global.LLM.Request.BackoffSMin > c.Global.LLM.Request.BackoffSMax {
		return invalid("global.llm.request.backoff_s_min must not exceed backoff_s_max")
	}
	ch := c.Global.Chunking
	if ch.ChunkSize <= 0 {
		return invalid("global.chunking.chunk_size must be positive")
	}
	if ch.ChunkOverlap < 0 || ch.ChunkOverlap >= ch.ChunkSize {
		return invalid("global.chunking.chunk_overlap must be in [0, chunk_size)")
	}
	if ch.MaxOverlapPercentage < 0 || ch.MaxOverlapPercentage > 1 {
		return invalid("global.chunking.max_overlap_percentage must be in [0, 1]")
	}
	if ch.MaxChunksPerDocument <= 0 {
		return invalid("global.chunking.max_chunks_per_document must be positive")
	}

	for id, proj := range c.Projects {
		if proj.ProjectID != "" && proj.ProjectID != id {
			return invalid("projects." + id + ".project_id does not match its key")
		}
		for srcType, byName := range proj.Sources {
			if !validSourceType(srcType) {
				return invalid("projects." + id + ": unknown source type " + srcType)
			}
			for name, src := range byName {
				if err := validateSource(id, srcType, name, src); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateSource(project, srcType, name string, src SourceConfig) error {
	where := "projects." + project + ".sources." + srcType + "." + name
	switch srcType {
	case "git", "confluence", "jira", "publicdocs":
		if src.BaseURL == "" {
			return invalid(where + ".base_url is required")
		}
	case "localfile":
		if src.Path == "" && src.BaseURL == "" {
			return invalid(where + ".path is required")
		}
	}
	if srcType == "confluence" && src.SpaceKey == "" {
		return invalid(where + ".space_key is required")
	}
	if srcType == "jira" && src.ProjectKey == "" {
		return invalid(where + ".project_key is required")
	}
	return nil
}

func validSourceType(t string) bool {
	for _, s := range SourceTypes {
		if s == t {
			return true
		}
	}
	return false
}

func invalid(msg string) error {
	return errors.New(errors.CodeConfigInvalid, msg, nil)
}

// Project returns the project with the given id.
func (c *Config) Project(id string) (ProjectConfig, bool) {
	p, ok := c.Projects[id]
	return p, ok
}
