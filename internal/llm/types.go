// Package llm abstracts the embedding and chat provider behind a single
// interface with rate limiting, retry and caching decorators.
package llm

import (
	"context"
	"net"

	"github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role
	Content string
}

// Provider is the contract the pipeline and retrieval engine depend on.
// Embed returns one vector per input text, in order. Chat is optional and
// only used off the hot path (image captioning); adapters that cannot chat
// return a ModelError.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Chat(ctx context.Context, messages []Message) (string, error)
	CountTokens(text string) int
	Dimensions() int
	ModelName() string
	Available(ctx context.Context) bool
	Close() error
}

// classifyStatus maps an HTTP status to the provider error taxonomy.
// Only rate-limit and network kinds are retried.
func classifyStatus(status int, msg string, cause error) *errors.Error {
	switch {
	case status == 401 || status == 403:
		return errors.New(errors.CodeAuthRejected, msg, cause).
			WithSuggestion("check the provider api_key")
	case status == 408 || status == 425 || status == 429:
		return errors.New(errors.CodeRateLimited, msg, cause)
	case status >= 500:
		return errors.New(errors.CodeNetwork, msg, cause)
	case status == 400 || status == 404 || status == 422:
		return errors.New(errors.CodeModelRejected, msg, cause)
	default:
		return errors.New(errors.CodeInternal, msg, cause)
	}
}

// classifyTransport wraps a transport-level failure as retryable network error.
func classifyTransport(msg string, cause error) *errors.Error {
	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		return errors.New(errors.CodeNetwork, msg+" (timeout)", cause)
	}
	return errors.New(errors.CodeNetwork, msg, cause)
}
