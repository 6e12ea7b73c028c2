// Package mcpserver exposes the retrieval engine over the Model Context
// Protocol: eight tools served on stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"errors"
	"fmt"

	qerrors "github.com/thanhbn/qdrant-loader-sub001/internal/errors"
)

// JSON-RPC error codes, standard plus the server-specific range.
const (
	errCodeBackendUnavailable = -32001
	errCodeTimeout            = -32003

	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// RPCError is a protocol-level error with a JSON-RPC code.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(msg string) *RPCError {
	return &RPCError{Code: errCodeInvalidParams, Message: msg}
}

func methodNotFound(name string) *RPCError {
	return &RPCError{Code: errCodeMethodNotFound, Message: fmt.Sprintf("tool %q not found", name)}
}

// mapError converts engine errors to RPC errors. Already-mapped errors
// pass through unchanged.
func mapError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var qerr *qerrors.Error
	if errors.As(err, &qerr) {
		msg := qerr.Message
		if qerr.Suggestion != "" {
			msg += " " + qerr.Suggestion
		}
		switch qerr.Code {
		case qerrors.CodeInvalidParams:
			return &RPCError{Code: errCodeInvalidParams, Message: msg}
		case qerrors.CodeMethodNotFound:
			return &RPCError{Code: errCodeMethodNotFound, Message: msg}
		case qerrors.CodeToolUnavailable, qerrors.CodeNetwork:
			return &RPCError{Code: errCodeBackendUnavailable, Message: msg}
		case qerrors.CodeRateLimited:
			return &RPCError{Code: errCodeTimeout, Message: msg}
		default:
			return &RPCError{Code: errCodeInternal, Message: msg}
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &RPCError{Code: errCodeTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return &RPCError{Code: errCodeTimeout, Message: "request was canceled"}
	}
	return &RPCError{Code: errCodeInternal, Message: "internal server error"}
}
