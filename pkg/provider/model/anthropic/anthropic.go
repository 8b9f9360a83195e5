// Package anthropic provides a model Provider backed by the Anthropic
// Messages API.
//
// The upstream call is non-streaming; chunked delivery towards the
// conductor is simulated by splitting the finished text into word-aligned
// segments and yielding them on a short cadence. Swapping in genuine
// streaming would only change this package.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

const providerName = "anthropic"

// toolMaxTokens caps the raised token budget when tools are attached.
// Tool-heavy responses are short and multi-round, so the base budget is
// quadrupled up to this ceiling.
const toolMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// provider. The SDK's MessageService satisfies it; tests substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Provider implements model.Provider on the Anthropic Messages API.
type Provider struct {
	msgs       MessagesClient
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
	msgs       MessagesClient
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
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

// WithMessagesClient substitutes the upstream client. Used by tests.
func WithMessagesClient(msgs MessagesClient) Option {
	return func(c *config) {
		c.msgs = msgs
	}
}

// New constructs an Anthropic provider. apiKey may be empty only when a
// custom messages client is injected.
func New(apiKey, modelID string, opts ...Option) (*Provider, error) {
	if modelID == "" {
		return nil, fmt.Errorf("anthropic: modelID must not be empty")
	}

	cfg := &config{
		maxTokens:  1024,
		chunkDelay: 60 * time.Millisecond,
		timeout:    30 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	msgs := cfg.msgs
	if msgs == nil {
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic: apiKey must not be empty")
		}
		reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if cfg.baseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
		}
		client := sdk.NewClient(reqOpts...)
		msgs = &client.Messages
	}

	return &Provider{
		msgs:       msgs,
		modelID:    modelID,
		maxTokens:  cfg.maxTokens,
		chunkDelay: cfg.chunkDelay,
		timeout:    cfg.timeout,
	}, nil
}

// Generate implements model.Provider.
func (p *Provider) Generate(ctx context.Context, history []model.Turn, tools []model.ToolDefinition) (*model.Response, error) {
	params, provToCanon, err := p.buildParams(history, tools)
	if err != nil {
		return nil, &model.ProviderError{Provider: providerName, Message: "build request", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.msgs.New(reqCtx, *params)
	if err != nil {
		return nil, wrapError(err)
	}

	fullText, toolCalls, err := parseContent(msg, provToCanon)
	if err != nil {
		return nil, &model.ProviderError{Provider: providerName, Message: "parse response", Err: err}
	}

	// Tool use wins: any tool_use block discards accompanying text.
	if len(toolCalls) > 0 {
		return &model.Response{Chunks: model.ClosedChunks(), ToolCalls: toolCalls}, nil
	}
	return &model.Response{
		FullText: fullText,
		Chunks:   model.SimulateStream(ctx, model.SegmentText(fullText), p.chunkDelay),
	}, nil
}

// buildParams translates the internal history into Messages API params.
// Returns the reverse tool-name map used to restore canonical names when
// parsing tool_use blocks.
func (p *Provider) buildParams(history []model.Turn, tools []model.ToolDefinition) (*sdk.MessageNewParams, map[string]string, error) {
	if len(history) == 0 {
		return nil, nil, errors.New("history must not be empty")
	}

	canonToProv, provToCanon, toolParams, err := encodeTools(tools)
	if err != nil {
		return nil, nil, err
	}

	var (
		system   []sdk.TextBlockParam
		messages []sdk.MessageParam
	)
	for _, turn := range history {
		switch {
		case turn.Role == model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: turn.Text})

		case turn.Role == model.RoleUser:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(turn.Text)))

		case turn.Role == model.RoleAssistant && len(turn.ToolCalls) > 0:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(turn.ToolCalls))
			for _, call := range turn.ToolCalls {
				name := call.Name
				if sanitized, ok := canonToProv[name]; ok {
					name = sanitized
				}
				input := call.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, name))
			}
			messages = append(messages, sdk.NewAssistantMessage(blocks...))

		case turn.Role == model.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Text)))

		case turn.Role == model.RoleTool:
			// Tool results travel under the user role per the Messages API
			// tool-use grammar.
			messages = append(messages, sdk.NewUserMessage(
				sdk.NewToolResultBlock(turn.ToolUseID, turn.Text, false),
			))

		default:
			return nil, nil, fmt.Errorf("unknown turn role %q", turn.Role)
		}
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(p.modelID),
		MaxTokens: int64(p.tokenBudget(len(toolParams) > 0)),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	return params, provToCanon, nil
}

// tokenBudget returns the completion cap for one call. Attached tools
// quadruple the base budget up to the fixed ceiling.
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

// encodeTools converts tool definitions to SDK params. Dotted tool names
// are sanitized to the provider's allowed character set; both direction
// maps are returned so tool_use blocks can be restored to canonical names.
func encodeTools(tools []model.ToolDefinition) (map[string]string, map[string]string, []sdk.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil, nil, nil
	}

	canonToProv := make(map[string]string, len(tools))
	provToCanon := make(map[string]string, len(tools))
	params := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		canonToProv[def.Name] = sanitized
		provToCanon[sanitized] = def.Name

		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params = append(params, u)
	}
	return canonToProv, provToCanon, params, nil
}

// sanitizeToolName maps a canonical tool name onto the provider's allowed
// character set [a-zA-Z0-9_-].
func sanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// parseContent walks the response blocks, concatenating text and
// collecting tool_use requests.
func parseContent(msg *sdk.Message, provToCanon map[string]string) (string, []model.ToolCallRequest, error) {
	if msg == nil {
		return "", nil, errors.New("response message is nil")
	}

	var (
		text      strings.Builder
		toolCalls []model.ToolCallRequest
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return "", nil, fmt.Errorf("tool_use input for %q: %w", block.Name, err)
				}
			}
			name := block.Name
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			toolCalls = append(toolCalls, model.ToolCallRequest{
				ID:    block.ID,
				Name:  name,
				Input: input,
			})
		}
	}
	return text.String(), toolCalls, nil
}

// wrapError converts SDK and transport failures into a ProviderError,
// flagging upstream throttling for distinct logging.
func wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:    providerName,
			Message:     fmt.Sprintf("messages request failed with status %d", apiErr.StatusCode),
			RateLimited: apiErr.StatusCode == 429,
			Err:         err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Provider: providerName, Message: "request timed out", Err: err}
	}
	return &model.ProviderError{Provider: providerName, Message: "messages request failed", Err: err}
}
