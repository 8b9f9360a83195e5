// Package openai provides a model Provider backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

const providerName = "openai"

// toolMaxTokens caps the raised token budget when tools are attached.
const toolMaxTokens = 4096

// ChatClient captures the subset of the OpenAI SDK used by the provider.
type ChatClient interface {
	New(ctx context.Context, params oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
}

// Provider implements model.Provider using the OpenAI API.
type Provider struct {
	chat       ChatClient
	modelID    string
	maxTokens  int
	chunkDelay time.Duration
	timeout    time.Duration
}

var _ model.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	maxTokens  int
	chunkDelay time.Duration
	timeout    time.Duration
	chat       ChatClient
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithMaxTokens sets the base completion token budget.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// WithChunkDelay sets the simulated streaming cadence.
func WithChunkDelay(d time.Duration) Option {
	return func(c *config) {
		c.chunkDelay = d
	}
}

// WithTimeout sets the wall-clock limit for one upstream call.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithChatClient substitutes the upstream client. Used by tests.
func WithChatClient(chat ChatClient) Option {
	return func(c *config) {
		c.chat = chat
	}
}

// New constructs an OpenAI provider. apiKey may be empty only when a
// custom chat client is injected.
func New(apiKey, modelID string, opts ...Option) (*Provider, error) {
	if modelID == "" {
		return nil, fmt.Errorf("openai: modelID must not be empty")
	}

	cfg := &config{
		maxTokens:  1024,
		chunkDelay: 60 * time.Millisecond,
		timeout:    30 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	chat := cfg.chat
	if chat == nil {
		if apiKey == "" {
			return nil, fmt.Errorf("openai: apiKey must not be empty")
		}
		reqOpts := []option.RequestOption{
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
		}
		if cfg.baseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
		}
		client := oai.NewClient(reqOpts...)
		chat = &client.Chat.Completions
	}

	return &Provider{
		chat:       chat,
		modelID:    modelID,
		maxTokens:  cfg.maxTokens,
		chunkDelay: cfg.chunkDelay,
		timeout:    cfg.timeout,
	}, nil
}

// Generate implements model.Provider.
func (p *Provider) Generate(ctx context.Context, history []model.Turn, tools []model.ToolDefinition) (*model.Response, error) {
	params, err := p.buildParams(history, tools)
	if err != nil {
		return nil, &model.ProviderError{Provider: providerName, Message: "build request", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.chat.New(reqCtx, *params)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &model.ProviderError{Provider: providerName, Message: "empty choices in response"}
	}

	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) > 0 {
		toolCalls := make([]model.ToolCallRequest, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			input := map[string]any{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, &model.ProviderError{
						Provider: providerName,
						Message:  fmt.Sprintf("tool call arguments for %q", tc.Function.Name),
						Err:      err,
					}
				}
			}
			toolCalls = append(toolCalls, model.ToolCallRequest{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		return &model.Response{Chunks: model.ClosedChunks(), ToolCalls: toolCalls}, nil
	}

	fullText := choice.Message.Content
	return &model.Response{
		FullText: fullText,
		Chunks:   model.SimulateStream(ctx, model.SegmentText(fullText), p.chunkDelay),
	}, nil
}

// buildParams converts a history plus tool definitions into chat
// completion params. System turns map to system messages directly; the
// chat API has no separate system field.
func (p *Provider) buildParams(history []model.Turn, tools []model.ToolDefinition) (*oai.ChatCompletionNewParams, error) {
	if len(history) == 0 {
		return nil, errors.New("history must not be empty")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	for _, turn := range history {
		switch {
		case turn.Role == model.RoleSystem:
			messages = append(messages, oai.SystemMessage(turn.Text))

		case turn.Role == model.RoleUser:
			messages = append(messages, oai.UserMessage(turn.Text))

		case turn.Role == model.RoleAssistant && len(turn.ToolCalls) > 0:
			asst := oai.ChatCompletionAssistantMessageParam{}
			for _, call := range turn.ToolCalls {
				args, err := json.Marshal(call.Input)
				if err != nil {
					return nil, fmt.Errorf("marshal tool input for %q: %w", call.Name, err)
				}
				asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		case turn.Role == model.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(turn.Text))

		case turn.Role == model.RoleTool:
			messages = append(messages, oai.ToolMessage(turn.Text, turn.ToolUseID))

		default:
			return nil, fmt.Errorf("unknown turn role %q", turn.Role)
		}
	}

	params := &oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(p.modelID),
		Messages:            messages,
		MaxCompletionTokens: param.NewOpt(int64(p.tokenBudget(len(tools) > 0))),
	}
	for _, def := range tools {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return params, nil
}

// tokenBudget mirrors the other providers: attached tools quadruple the
// base budget up to the fixed ceiling.
func (p *Provider) tokenBudget(withTools bool) int {
	if !withTools {
		return p.maxTokens
	}
	budget := p.maxTokens * 4
	if budget > toolMaxTokens {
		budget = toolMaxTokens
	}
	return budget
}

// wrapError converts SDK failures into a ProviderError, flagging upstream
// throttling for distinct logging.
func wrapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:    providerName,
			Message:     fmt.Sprintf("chat completion failed with status %d", apiErr.StatusCode),
			RateLimited: apiErr.StatusCode == 429,
			Err:         err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Provider: providerName, Message: "request timed out", Err: err}
	}
	return &model.ProviderError{Provider: providerName, Message: "chat completion failed", Err: err}
}
