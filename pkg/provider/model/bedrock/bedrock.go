// Package bedrock provides a model Provider backed by the AWS Bedrock
// Converse API. It speaks the same tool-use grammar as the Anthropic
// Messages API, so Claude models hosted on Bedrock behave identically to
// the direct provider.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

const providerName = "bedrock"

// toolMaxTokens caps the raised token budget when tools are attached.
const toolMaxTokens = 4096

// RuntimeClient captures the subset of the Bedrock runtime client used by
// the provider. The SDK client satisfies it; tests substitute a mock.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider implements model.Provider on the Bedrock Converse API.
type Provider struct {
	client     RuntimeClient
	modelID    string
	maxTokens  int
	chunkDelay time.Duration
	timeout    time.Duration
}

var _ model.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithMaxTokens sets the base completion token budget.
func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		p.maxTokens = n
	}
}

// WithChunkDelay sets the simulated streaming cadence.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) {
		p.chunkDelay = d
	}
}

// WithTimeout sets the wall-clock limit for one upstream call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// New constructs a Bedrock provider around an existing runtime client.
func New(client RuntimeClient, modelID string, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("bedrock: runtime client must not be nil")
	}
	if modelID == "" {
		return nil, fmt.Errorf("bedrock: modelID must not be empty")
	}
	p := &Provider{
		client:     client,
		modelID:    modelID,
		maxTokens:  1024,
		chunkDelay: 60 * time.Millisecond,
		timeout:    30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// LoadClient builds a Bedrock runtime client from the default AWS
// credential chain (environment, shared config, IAM role).
func LoadClient(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// Generate implements model.Provider.
func (p *Provider) Generate(ctx context.Context, history []model.Turn, tools []model.ToolDefinition) (*model.Response, error) {
	input, provToCanon, err := p.buildInput(history, tools)
	if err != nil {
		return nil, &model.ProviderError{Provider: providerName, Message: "build request", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.Converse(reqCtx, input)
	if err != nil {
		return nil, wrapError(err)
	}

	fullText, toolCalls, err := parseOutput(out, provToCanon)
	if err != nil {
		return nil, &model.ProviderError{Provider: providerName, Message: "parse response", Err: err}
	}

	if len(toolCalls) > 0 {
		return &model.Response{Chunks: model.ClosedChunks(), ToolCalls: toolCalls}, nil
	}
	return &model.Response{
		FullText: fullText,
		Chunks:   model.SimulateStream(ctx, model.SegmentText(fullText), p.chunkDelay),
	}, nil
}

// buildInput translates the internal history into a Converse request.
// Returns the reverse tool-name map used to restore canonical names when
// parsing tool-use blocks.
func (p *Provider) buildInput(history []model.Turn, tools []model.ToolDefinition) (*bedrockruntime.ConverseInput, map[string]string, error) {
	if len(history) == 0 {
		return nil, nil, errors.New("history must not be empty")
	}

	var (
		system   []brtypes.SystemContentBlock
		messages []brtypes.Message
	)
	for _, turn := range history {
		switch {
		case turn.Role == model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: turn.Text})

		case turn.Role == model.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: turn.Text}},
			})

		case turn.Role == model.RoleAssistant && len(turn.ToolCalls) > 0:
			content := make([]brtypes.ContentBlock, 0, len(turn.ToolCalls))
			for _, call := range turn.ToolCalls {
				input := call.Input
				if input == nil {
					input = map[string]any{}
				}
				// History keeps canonical dotted names; replayed tool-use
				// blocks must carry the sanitized name declared in the tool
				// configuration or Bedrock rejects the request.
				content = append(content, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(call.ID),
						Name:      aws.String(sanitizeToolName(call.Name)),
						Input:     document.NewLazyDocument(input),
					},
				})
			}
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: content,
			})

		case turn.Role == model.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: turn.Text}},
			})

		case turn.Role == model.RoleTool:
			messages = append(messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(turn.ToolUseID),
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: turn.Text},
						},
					},
				}},
			})

		default:
			return nil, nil, fmt.Errorf("unknown turn role %q", turn.Role)
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.modelID),
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(p.tokenBudget(len(tools) > 0))),
		},
	}
	if len(system) > 0 {
		input.System = system
	}
	var provToCanon map[string]string
	if len(tools) > 0 {
		input.ToolConfig, provToCanon = encodeTools(tools)
	}
	return input, provToCanon, nil
}

// tokenBudget mirrors the Anthropic provider: attached tools quadruple the
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

// encodeTools converts tool definitions to a Converse tool configuration.
// Dotted tool names are sanitized to Bedrock's allowed character set; the
// reverse map restores canonical names when parsing tool-use blocks.
func encodeTools(tools []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string) {
	out := make([]brtypes.Tool, 0, len(tools))
	provToCanon := make(map[string]string, len(tools))
	for _, def := range tools {
		sanitized := sanitizeToolName(def.Name)
		provToCanon[sanitized] = def.Name
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(sanitized),
				Description: aws.String(def.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: out}, provToCanon
}

// sanitizeToolName maps a canonical tool name onto Bedrock's allowed
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

// parseOutput walks the Converse output message, concatenating text and
// collecting tool-use requests.
func parseOutput(out *bedrockruntime.ConverseOutput, provToCanon map[string]string) (string, []model.ToolCallRequest, error) {
	if out == nil {
		return "", nil, errors.New("response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", nil, fmt.Errorf("unexpected output type %T", out.Output)
	}

	var (
		text      strings.Builder
		toolCalls []model.ToolCallRequest
	)
	for _, block := range msgOut.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(v.Value)
		case *brtypes.ContentBlockMemberToolUse:
			input := map[string]any{}
			if v.Value.Input != nil {
				if err := v.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
					return "", nil, fmt.Errorf("tool_use input for %q: %w", aws.ToString(v.Value.Name), err)
				}
			}
			name := aws.ToString(v.Value.Name)
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			toolCalls = append(toolCalls, model.ToolCallRequest{
				ID:    aws.ToString(v.Value.ToolUseId),
				Name:  name,
				Input: input,
			})
		}
	}
	return text.String(), toolCalls, nil
}

// wrapError converts SDK failures into a ProviderError, flagging upstream
// throttling for distinct logging.
func wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return &model.ProviderError{
				Provider:    providerName,
				Message:     "converse request throttled",
				RateLimited: true,
				Err:         err,
			}
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return &model.ProviderError{
			Provider:    providerName,
			Message:     "converse request throttled",
			RateLimited: true,
			Err:         err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Provider: providerName, Message: "request timed out", Err: err}
	}
	return &model.ProviderError{Provider: providerName, Message: "converse request failed", Err: err}
}
