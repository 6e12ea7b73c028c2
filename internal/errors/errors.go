// Package errors provides structured error handling for qdrant-loader.
//
// Every error carries a stable code, a kind used for propagation decisions
// (retry, skip document, abort run), and an optional actionable suggestion.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindConfig is an invalid or incomplete configuration. Fatal, user-actionable.
	KindConfig Kind = "config"
	// KindAuth is a rejected credential. Fatal for the affected source or provider.
	KindAuth Kind = "auth"
	// KindTransientRateLimit is a remote 429/408/425. Retried with backoff.
	KindTransientRateLimit Kind = "transient_rate_limit"
	// KindTransientNetwork is a network failure or remote 5xx. Retried with backoff.
	KindTransientNetwork Kind = "transient_network"
	// KindStalled marks an operation whose retry budget is exhausted. Not
	// retried again by outer layers.
	KindStalled Kind = "stalled"
	// KindConversion is a failed or timed-out file conversion. The document
	// proceeds with its textual fallback.
	KindConversion Kind = "conversion"
	// KindChunking is a chunking failure. The document is skipped and recorded.
	KindChunking Kind = "chunking"
	// KindStateConsistency means the state store and vector store disagree on
	// a document's chunk set.
	KindStateConsistency Kind = "state_consistency"
	// KindProtocol is an MCP/JSON-RPC framing or parameter violation.
	KindProtocol Kind = "protocol"
	// KindModel is a non-retryable provider rejection (bad model, bad request).
	KindModel Kind = "model"
	// KindInternal is an unexpected internal failure.
	KindInternal Kind = "internal"
)

// Error codes, grouped by kind.
const (
	CodeConfigNotFound    = "ERR_101_CONFIG_NOT_FOUND"
	CodeConfigInvalid     = "ERR_102_CONFIG_INVALID"
	CodeConfigLegacyKey   = "ERR_103_CONFIG_LEGACY_KEY"
	CodeAuthRejected      = "ERR_201_AUTH_REJECTED"
	CodeRateLimited       = "ERR_301_RATE_LIMITED"
	CodeNetwork           = "ERR_302_NETWORK"
	CodeSourceStalled     = "ERR_303_SOURCE_STALLED"
	CodeToolUnavailable   = "ERR_304_TOOL_UNAVAILABLE"
	CodeConversionFailed  = "ERR_401_CONVERSION_FAILED"
	CodeConversionTimeout = "ERR_402_CONVERSION_TIMEOUT"
	CodeChunkingFailed    = "ERR_501_CHUNKING_FAILED"
	CodeStateMismatch     = "ERR_601_STATE_MISMATCH"
	CodeVectorSize        = "ERR_602_VECTOR_SIZE_MISMATCH"
	CodeInvalidParams     = "ERR_701_INVALID_PARAMS"
	CodeMethodNotFound    = "ERR_702_METHOD_NOT_FOUND"
	CodeModelRejected     = "ERR_801_MODEL_REJECTED"
	CodeInternal          = "ERR_901_INTERNAL"
)

// Error is the structured error type used across module boundaries.
type Error struct {
	Code       string
	Kind       Kind
	Message    string
	Details    map[string]string
	Cause      error
	Suggestion string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works with sentinel instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether the operation may be retried.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientRateLimit || e.Kind == KindTransientNetwork
}

// WithDetail adds a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// New creates a structured error. The kind is derived from the code.
func New(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Kind:    kindFromCode(code),
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code string, cause error, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), cause)
}

// KindOf returns the kind of err, or KindInternal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err (or any error in its chain) is transient.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

func kindFromCode(code string) Kind {
	if len(code) < 7 {
		return KindInternal
	}
	switch code[4] {
	case '1':
		return KindConfig
	case '2':
		return KindAuth
	case '3':
		switch code {
		case CodeNetwork, CodeToolUnavailable:
			return KindTransientNetwork
		case CodeSourceStalled:
			return KindStalled
		}
		return KindTransientRateLimit
	case '4':
		return KindConversion
	case '5':
		return KindChunking
	case '6':
		return KindStateConsistency
	case '7':
		return KindProtocol
	case '8':
		return KindModel
	default:
		return KindInternal
	}
}

// Convenience re-exports so callers need only this package.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }
