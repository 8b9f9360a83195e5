// Package mock provides a test double for the model.Provider interface.
//
// Use Provider in unit tests to feed the conductor scripted responses
// without a live model backend and to verify the histories it sends.
// All fields are safe to set before calling any method; mutating them
// during a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// History is a copy of the history passed to Generate.
	History []model.Turn
	// Tools is the tool definition list passed to Generate.
	Tools []model.ToolDefinition
}

// Result is one scripted Generate outcome.
type Result struct {
	Response *model.Response
	Err      error
}

// Provider is a mock implementation of model.Provider. Each Generate call
// pops the next entry from Script; when the script is exhausted, Response
// and Err are returned instead.
type Provider struct {
	mu sync.Mutex

	// Script is the ordered sequence of results to return, one per call.
	Script []Result

	// Response is returned once Script is exhausted. May be nil.
	Response *model.Response

	// Err is returned once Script is exhausted.
	Err error

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall
}

var _ model.Provider = (*Provider)(nil)

// Generate implements model.Provider.
func (p *Provider) Generate(ctx context.Context, history []model.Turn, tools []model.ToolDefinition) (*model.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	historyCopy := make([]model.Turn, len(history))
	copy(historyCopy, history)
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, History: historyCopy, Tools: tools})

	if len(p.Script) > 0 {
		next := p.Script[0]
		p.Script = p.Script[1:]
		return next.Response, next.Err
	}
	return p.Response, p.Err
}

// Calls returns a snapshot of recorded Generate invocations.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateCall, len(p.GenerateCalls))
	copy(out, p.GenerateCalls)
	return out
}

// TextResponse builds a text response whose chunk channel is pre-filled
// with the given segments and already closed. With no segments the text is
// delivered as a single chunk.
func TextResponse(fullText string, segments ...string) *model.Response {
	if len(segments) == 0 && fullText != "" {
		segments = []string{fullText}
	}
	ch := make(chan string, len(segments))
	for _, seg := range segments {
		ch <- seg
	}
	close(ch)
	return &model.Response{FullText: fullText, Chunks: ch}
}

// ToolUseResponse builds a tool-use response with an empty, closed chunk
// channel.
func ToolUseResponse(calls ...model.ToolCallRequest) *model.Response {
	return &model.Response{Chunks: model.ClosedChunks(), ToolCalls: calls}
}
