// Package model defines the Provider interface for Large Language Model
// backends used by the conductor.
//
// A provider wraps a remote model API (e.g., the Anthropic Messages API,
// AWS Bedrock Converse, or OpenAI chat completions) and exposes a single
// uniform operation: given an ordered conversation history and an optional
// set of tool definitions, produce either streamed assistant text or a set
// of tool-use requests.
//
// Implementors must be safe for concurrent use. The chunk channel on a
// returned [Response] must be closed by the implementation when the stream
// ends or when the supplied context is cancelled.
package model

import (
	"context"
	"fmt"
)

// Provider turns a conversation into a model response.
type Provider interface {
	// Generate asks the model for the next response given history and the
	// tool definitions offered for this turn. tools may be empty.
	//
	// Exactly one of the returned response's text (FullText/Chunks) and
	// ToolCalls is populated. Failures are reported as a [*ProviderError]
	// so callers can distinguish rate limiting for logging.
	Generate(ctx context.Context, history []Turn, tools []ToolDefinition) (*Response, error)
}

// Response is the outcome of a single provider call.
type Response struct {
	// FullText is the complete assistant text. Empty when the model chose
	// to invoke tools instead.
	FullText string

	// Chunks is a lazy, finite, non-restartable sequence of text fragments
	// that concatenated equal FullText. Nil or immediately closed when the
	// response is a tool-use.
	Chunks <-chan string

	// ToolCalls lists the tool invocations the model requested, in order.
	// Non-empty iff the model chose tools.
	ToolCalls []ToolCallRequest
}

// IsToolUse reports whether the model answered with tool invocations.
func (r *Response) IsToolUse() bool {
	return len(r.ToolCalls) > 0
}

// ProviderError wraps any failure of a provider call. RateLimited marks
// upstream throttling; callers log it differently but otherwise treat it
// like every other provider failure.
type ProviderError struct {
	// Provider is the short provider name, e.g. "anthropic".
	Provider string

	// Message is a human-readable description safe to forward to clients.
	Message string

	// RateLimited is true when the upstream signalled throttling (HTTP 429
	// or an equivalent provider error code).
	RateLimited bool

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
