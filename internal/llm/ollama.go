package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// OllamaProvider talks to an Ollama-style local server over plain HTTP,
// using /api/embed for embeddings and /api/chat for chat.
type OllamaProvider struct {
	baseURL    string
	embedModel string
	chatModel  string
	dimensions int
	tokenizer  Tokenizer
	httpClient *http.Client
}

// NewOllama builds a provider from the unified llm config block.
func NewOllama(cfg config.LLMConfig, tok Tokenizer) (*OllamaProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	timeout := time.Duration(cfg.Request.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaProvider{
		baseURL:    strings.TrimRight(base, "/"),
		embedModel: cfg.Models.Embeddings,
		chatModel:  cfg.Models.Chat,
		dimensions: cfg.Embeddings.VectorSize,
		tokenizer:  tok,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp ollamaEmbedResponse
	err := p.post(ctx, "/api/embed", ollamaEmbedRequest{
		Model: p.embedModel,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.CodeModelRejected, nil,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.chatModel == "" {
		return "", errors.New(errors.CodeModelRejected, "no chat model configured", nil)
	}
	req := ollamaChatRequest{Model: p.chatModel, Stream: false}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	var resp ollamaChatResponse
	if err := p.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (p *OllamaProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctxErr := contextError(err); ctxErr != nil {
			return ctxErr
		}
		return classifyTransport("ollama request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode,
			fmt.Sprintf("ollama %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.CodeModelRejected, "decode ollama response", err)
	}
	return nil
}

func (p *OllamaProvider) CountTokens(text string) int { return p.tokenizer.Count(text) }
func (p *OllamaProvider) Dimensions() int             { return p.dimensions }
func (p *OllamaProvider) ModelName() string           { return p.embedModel }
func (p *OllamaProvider) Close() error                { return nil }

func (p *OllamaProvider) Available(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probe, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
