package anthropic_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
	"github.com/cadenzalabs/cadenza/pkg/provider/model/anthropic"
)

// stubMessages is a scripted MessagesClient.
type stubMessages struct {
	params []sdk.MessageNewParams
	resp   *sdk.Message
	err    error
}

func (s *stubMessages) New(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = append(s.params, params)
	return s.resp, s.err
}

func newProvider(t *testing.T, stub *stubMessages, opts ...anthropic.Option) *anthropic.Provider {
	t.Helper()
	opts = append([]anthropic.Option{anthropic.WithMessagesClient(stub), anthropic.WithMaxTokens(512)}, opts...)
	p, err := anthropic.New("", "claude-sonnet-4-5", opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestGenerateTextResponse(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "Hi, how can I help?"},
			},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	p := newProvider(t, stub)

	resp, err := p.Generate(context.Background(), []model.Turn{
		model.SystemTurn("You are a voice assistant."),
		model.UserTurn("hello"),
	}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.IsToolUse() {
		t.Fatal("text response reported as tool use")
	}
	if resp.FullText != "Hi, how can I help?" {
		t.Errorf("FullText = %q", resp.FullText)
	}

	var rejoined strings.Builder
	for seg := range resp.Chunks {
		rejoined.WriteString(seg)
	}
	if rejoined.String() != resp.FullText {
		t.Errorf("chunks rejoin to %q, want %q", rejoined.String(), resp.FullText)
	}

	// System directive travels separately from the message list.
	params := stub.params[0]
	if len(params.System) != 1 || params.System[0].Text != "You are a voice assistant." {
		t.Errorf("system params = %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Errorf("message count = %d, want 1 (system extracted)", len(params.Messages))
	}
	if params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want base budget 512", params.MaxTokens)
	}
}

func TestGenerateToolUseResponse(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "Let me check."},
				{Type: "tool_use", ID: "tu_1", Name: "repositories_list", Input: json.RawMessage(`{}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	p := newProvider(t, stub)

	tools := []model.ToolDefinition{{
		Name:        "repositories.list",
		Description: "List connected repositories.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}}
	resp, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("list my repos")}, tools)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !resp.IsToolUse() {
		t.Fatal("tool-use response not detected")
	}
	// Tool use wins over accompanying text.
	if resp.FullText != "" {
		t.Errorf("FullText = %q, want empty on tool use", resp.FullText)
	}
	call := resp.ToolCalls[0]
	if call.ID != "tu_1" {
		t.Errorf("call ID = %q", call.ID)
	}
	// Sanitized provider name is restored to the canonical dotted form.
	if call.Name != "repositories.list" {
		t.Errorf("call Name = %q, want %q", call.Name, "repositories.list")
	}

	// Attached tools quadruple the budget up to the ceiling.
	if got := stub.params[0].MaxTokens; got != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", got)
	}
}

func TestTokenBudgetCeiling(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}}}}
	p := newProvider(t, stub, anthropic.WithMaxTokens(2000))

	tools := []model.ToolDefinition{{Name: "agent.list", Description: "List agents."}}
	if _, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("hi")}, tools); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := stub.params[0].MaxTokens; got != 4096 {
		t.Errorf("MaxTokens = %d, want ceiling 4096", got)
	}
}

func TestToolResultTravelsUnderUserRole(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "done"}}}}
	p := newProvider(t, stub)

	history := []model.Turn{
		model.UserTurn("list my repos"),
		model.AssistantToolCallsTurn([]model.ToolCallRequest{{ID: "tu_1", Name: "repositories.list", Input: map[string]any{}}}),
		model.ToolTurn("tu_1", "repositories.list", `{"repositories":[]}`),
	}
	if _, err := p.Generate(context.Background(), history, nil); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msgs := stub.params[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("message count = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("tool-calls turn role = %q, want assistant", msgs[1].Role)
	}
	if msgs[2].Role != "user" {
		t.Errorf("tool-result turn role = %q, want user", msgs[2].Role)
	}
}

func TestProviderErrorWrapping(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{err: errors.New("connection refused")}
	p := newProvider(t, stub)

	_, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("hi")}, nil)
	var provErr *model.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *model.ProviderError", err)
	}
	if provErr.Provider != "anthropic" {
		t.Errorf("Provider = %q", provErr.Provider)
	}
	if provErr.RateLimited {
		t.Error("plain transport failure flagged as rate limited")
	}
}

func TestRateLimitFlavor(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{err: &sdk.Error{StatusCode: 429}}
	p := newProvider(t, stub)

	_, err := p.Generate(context.Background(), []model.Turn{model.UserTurn("hi")}, nil)
	var provErr *model.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *model.ProviderError", err)
	}
	if !provErr.RateLimited {
		t.Error("429 not flagged as rate limited")
	}
}

func TestEmptyHistoryRejected(t *testing.T) {
	t.Parallel()

	p := newProvider(t, &stubMessages{})
	if _, err := p.Generate(context.Background(), nil, nil); err == nil {
		t.Fatal("Generate() with empty history succeeded")
	}
}
