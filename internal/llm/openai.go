package llm

import (
	"context"
	stderrors "errors"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/thanhbn/qdrant-loader-sub001/internal/config"
	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// OpenAIProvider talks to OpenAI and OpenAI-compatible endpoints. It backs
// the openai, openai_compat and custom provider settings; the latter two
// differ only in base_url and extra headers.
type OpenAIProvider struct {
	client     openai.Client
	embedModel string
	chatModel  string
	dimensions int
	tokenizer  Tokenizer
}

// NewOpenAI builds a provider from the unified llm config block.
func NewOpenAI(cfg config.LLMConfig, tok Tokenizer) (*OpenAIProvider, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Each adapter call is a single attempt; retry policy lives in the
		// retry decorator.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Request.TimeoutS > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(cfg.Request.TimeoutS)*time.Second))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		embedModel: cfg.Models.Embeddings,
		chatModel:  cfg.Models.Chat,
		dimensions: cfg.Embeddings.VectorSize,
		tokenizer:  tok,
	}, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, p.classify("embedding request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Newf(errors.CodeModelRejected, nil,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.chatModel == "" {
		return "", errors.New(errors.CodeModelRejected, "no chat model configured", nil)
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.chatModel),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", p.classify("chat request failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.CodeModelRejected, "chat response has no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) CountTokens(text string) int { return p.tokenizer.Count(text) }
func (p *OpenAIProvider) Dimensions() int             { return p.dimensions }
func (p *OpenAIProvider) ModelName() string           { return p.embedModel }
func (p *OpenAIProvider) Close() error                { return nil }

// Available probes the endpoint with a one-token embedding request.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.Embed(probe, []string{"ping"})
	return err == nil
}

func (p *OpenAIProvider) classify(msg string, err error) error {
	var apiErr *openai.Error
	if stderrors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, msg+": "+apiErr.Error(), err)
	}
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return classifyTransport(msg, err)
}

func contextError(err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
