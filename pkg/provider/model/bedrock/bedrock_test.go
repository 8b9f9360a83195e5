package bedrock_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
	"github.com/cadenzalabs/cadenza/pkg/provider/model/bedrock"
)

// stubRuntime is a scripted RuntimeClient.
type stubRuntime struct {
	inputs []*bedrockruntime.ConverseInput
	out    *bedrockruntime.ConverseOutput
	err    error
}

func (s *stubRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.inputs = append(s.inputs, params)
	return s.out, s.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
	}
}

func newProvider(t *testing.T, stub *stubRuntime, opts ...bedrock.Option) *bedrock.Provider {
	t.Helper()
	opts = append([]bedrock.Option{bedrock.WithMaxTokens(512)}, opts...)
	p, err := bedrock.New(stub, "anthropic.claude-sonnet-4-5-v1:0", opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestGenerateTextResponse(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: textOutput("Hi, how can I help?")}
	p := newProvider(t, stub)

	resp, err := p.Generate(context.Background(), []model.Turn{
		model.SystemTurn("You are a voice assistant."),
		model.UserTurn("hello"),
	}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.FullText != "Hi, how can I help?" {
		t.Errorf("FullText = %q", resp.FullText)
	}

	var rejoined strings.Builder
	for seg := range resp.Chunks {
		rejoined.WriteString(seg)
	}
	if rejoined.String() != resp.FullText {
		t.Errorf("chunks rejoin to %q", rejoined.String())
	}

	input := stub.inputs[0]
	if len(input.System) != 1 {
		t.Errorf("system blocks = %d, want 1", len(input.System))
	}
	if len(input.Messages) != 1 {
		t.Errorf("message count = %d, want 1 (system extracted)", len(input.Messages))
	}
	if got := aws.ToInt32(input.InferenceConfig.MaxTokens); got != 512 {
		t.Errorf("MaxTokens = %d, want 512", got)
	}
}

func TestGenerateToolUseResponse(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolUse{
						Value: brtypes.ToolUseBlock{
							ToolUseId: aws.String("tu_1"),
							Name:      aws.String("repositories_list"),
							Input:     document.NewLazyDocument(map[string]any{}),
						},
					},
				},
			},
		},
	}}
	p := newProvider(t, stub)

	tools := []model.ToolDefinition{{
		Name:        "repositories.list",
		Description: "List connected repositories.",
	}}
	resp, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("list my repos")}, tools)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !resp.IsToolUse() {
		t.Fatal("tool-use response not detected")
	}
	call := resp.ToolCalls[0]
	if call.ID != "tu_1" || call.Name != "repositories.list" {
		t.Errorf("call = %+v", call)
	}
	if got := aws.ToInt32(stub.inputs[0].InferenceConfig.MaxTokens); got != 2048 {
		t.Errorf("MaxTokens = %d, want 2048 with tools attached", got)
	}
	if stub.inputs[0].ToolConfig == nil || len(stub.inputs[0].ToolConfig.Tools) != 1 {
		t.Error("tool configuration not attached")
	}
}

func TestToolResultTravelsUnderUserRole(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: textOutput("done")}
	p := newProvider(t, stub)

	history := []model.Turn{
		model.UserTurn("list my repos"),
		model.AssistantToolCallsTurn([]model.ToolCallRequest{{ID: "tu_1", Name: "repositories.list", Input: map[string]any{}}}),
		model.ToolTurn("tu_1", "repositories.list", `{"repositories":[]}`),
	}
	if _, err := p.Generate(context.Background(), history, nil); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msgs := stub.inputs[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("message count = %d, want 3", len(msgs))
	}
	if msgs[1].Role != brtypes.ConversationRoleAssistant {
		t.Errorf("tool-calls turn role = %q", msgs[1].Role)
	}
	if msgs[2].Role != brtypes.ConversationRoleUser {
		t.Errorf("tool-result turn role = %q, want user", msgs[2].Role)
	}
}

func TestReplayedToolUseCarriesSanitizedName(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{out: textOutput("The spawn worked.")}
	p := newProvider(t, stub)

	tools := []model.ToolDefinition{{
		Name:        "agent.spawn",
		Description: "Launch a coding agent.",
	}}
	history := []model.Turn{
		model.UserTurn("spawn an agent"),
		model.AssistantToolCallsTurn([]model.ToolCallRequest{{ID: "tu_1", Name: "agent.spawn", Input: map[string]any{"prompt": "fix it"}}}),
		model.ToolTurn("tu_1", "agent.spawn", `{"id":"agent-7"}`),
	}
	if _, err := p.Generate(context.Background(), history, tools); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msgs := stub.inputs[0].Messages
	toolUse, ok := msgs[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("content[0] = %T, want tool-use block", msgs[1].Content[0])
	}
	// The replayed name must match the sanitized name declared in the tool
	// configuration; a dotted name fails Bedrock's tool-name pattern.
	if got := aws.ToString(toolUse.Value.Name); got != "agent_spawn" {
		t.Errorf("replayed tool name = %q, want %q", got, "agent_spawn")
	}
	spec, ok := stub.inputs[0].ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool config entry = %T", stub.inputs[0].ToolConfig.Tools[0])
	}
	if declared := aws.ToString(spec.Value.Name); declared != aws.ToString(toolUse.Value.Name) {
		t.Errorf("declared name %q differs from replayed name %q", declared, aws.ToString(toolUse.Value.Name))
	}
}

type throttleErr struct{}

func (throttleErr) Error() string                         { return "throttled" }
func (throttleErr) ErrorCode() string                     { return "ThrottlingException" }
func (throttleErr) ErrorMessage() string                  { return "throttled" }
func (throttleErr) ErrorFault() smithy.ErrorFault         { return smithy.FaultServer }
var _ smithy.APIError = throttleErr{}

func TestThrottlingFlavor(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{err: throttleErr{}}
	p := newProvider(t, stub)

	_, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("hi")}, nil)
	var provErr *model.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *model.ProviderError", err)
	}
	if !provErr.RateLimited {
		t.Error("ThrottlingException not flagged as rate limited")
	}
}

func TestPlainFailure(t *testing.T) {
	t.Parallel()

	stub := &stubRuntime{err: errors.New("connection reset")}
	p := newProvider(t, stub)

	_, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("hi")}, nil)
	var provErr *model.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *model.ProviderError", err)
	}
	if provErr.RateLimited {
		t.Error("plain failure flagged as rate limited")
	}
}
