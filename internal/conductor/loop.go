package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/cadenzalabs/cadenza/internal/observe"
	"github.com/cadenzalabs/cadenza/internal/session"
	"github.com/cadenzalabs/cadenza/internal/tools"
	"github.com/cadenzalabs/cadenza/pkg/protocol"
	"github.com/cadenzalabs/cadenza/pkg/provider/model"
	"go.opentelemetry.io/otel/metric"
)

// loopOptions tweaks one loop run.
type loopOptions struct {
	// suppressUserMessage skips mirroring the user turn into the client
	// transcript. Set for synthetic turns such as agent completions.
	suppressUserMessage bool
}

// runLoop drives one transcript through the provider until it answers in
// text, the round cap is hit, or the provider fails. Client tool calls
// suspend the loop until a matching tool.result arrives or the wait times
// out; control calls are emitted without waiting.
func (s *Service) runLoop(ctx context.Context, sess *session.Session, text string, emit EmitFunc, opts loopOptions) {
	n := sess.NextTranscript()
	sess.RecordTrace("transcript.accepted")
	sess.AppendTurn(model.UserTurn(text))

	log := slog.With("session", sess.ID, "transcript", n)
	log.Info("transcript accepted", "chars", len(text), "synthetic", opts.suppressUserMessage)

	s.emitControlCall(sess, emit, "convo.setState", map[string]any{"state": "thinking"})
	if !opts.suppressUserMessage {
		s.emitControlCall(sess, emit, "convo.appendMessage", map[string]any{
			"role":      "user",
			"text":      text,
			"isPartial": false,
		})
	}

	for round := 1; round <= s.maxToolRounds; round++ {
		sess.RecordTrace(fmt.Sprintf("provider.round %d", round))
		resp, err := s.generate(ctx, sess)
		if err != nil {
			var provErr *model.ProviderError
			rateLimited := errors.As(err, &provErr) && provErr.RateLimited
			log.Error("provider call failed", "round", round, "rate_limited", rateLimited, "err", err)
			s.metrics.ToolRounds.Add(ctx, 1, metric.WithAttributes(observe.Attr("outcome", "error")))
			emit(protocol.NewError(sess.ID, protocol.CodeModelProviderFailed, err.Error()))
			s.emitControlCall(sess, emit, "convo.setState", map[string]any{"state": "idle"})
			return
		}

		if resp.IsToolUse() {
			s.metrics.ToolRounds.Add(ctx, 1, metric.WithAttributes(observe.Attr("outcome", "tool_use")))
			sess.AppendTurn(model.AssistantToolCallsTurn(resp.ToolCalls))
			for _, call := range resp.ToolCalls {
				s.dispatchToolCall(ctx, sess, call, emit, log)
			}
			continue
		}

		s.metrics.ToolRounds.Add(ctx, 1, metric.WithAttributes(observe.Attr("outcome", "text")))
		s.speak(sess, resp, emit)
		return
	}

	log.Warn("tool round limit exceeded", "rounds", s.maxToolRounds)
	sess.RecordTrace("round.limit")
	emit(protocol.NewError(sess.ID, protocol.CodeToolRoundLimitExceeded,
		fmt.Sprintf("no text answer after %d tool rounds", s.maxToolRounds)))
	s.emitControlCall(sess, emit, "convo.setState", map[string]any{"state": "idle"})
}

// generate calls the provider with the directive prepended to the session
// history and records call latency.
func (s *Service) generate(ctx context.Context, sess *session.Session) (*model.Response, error) {
	history := append([]model.Turn{model.SystemTurn(s.directive)}, sess.History()...)

	start := time.Now()
	resp, err := s.provider.Generate(ctx, history, s.catalog)
	status := "ok"
	if err != nil {
		status = "error"
		var provErr *model.ProviderError
		if errors.As(err, &provErr) && provErr.RateLimited {
			status = "rate_limited"
		}
	}
	s.metrics.RecordProviderCall(ctx, s.providerName, status, time.Since(start).Seconds())
	return resp, err
}

// dispatchToolCall emits one tool.call to the client, suspends until the
// result arrives or the wait times out, and appends the outcome to the
// history under the provider's call id.
func (s *Service) dispatchToolCall(ctx context.Context, sess *session.Session, call model.ToolCallRequest, emit EmitFunc, log *slog.Logger) {
	if err := tools.ValidateInput(call.Name, call.Input); err != nil {
		log.Warn("tool input failed validation, dispatching anyway", "tool", call.Name, "err", err)
	}

	callID := uuid.NewString()
	sess.RecordTrace("tool.call " + call.Name)
	sess.AddPending(session.PendingCall{
		CallID:    callID,
		ToolName:  call.Name,
		EmittedAt: time.Now(),
	})
	// Register before emitting so a result arriving while the emit is in
	// flight is buffered instead of dropped.
	ch := sess.RegisterResolver(callID)
	emit(protocol.New(protocol.TypeToolCall, sess.ID, map[string]any{
		"callId":    callID,
		"name":      call.Name,
		"arguments": encodeArguments(call.Input),
	}))

	outcome := s.waitForToolResult(ctx, sess, callID, ch)
	content := outcome.Result
	if content == "" {
		reason := outcome.Err
		if reason == "" {
			reason = "unknown"
		}
		content = "Error: " + reason
	}
	sess.RecordTrace("tool.result " + call.Name)
	sess.AppendTurn(model.ToolTurn(call.ID, call.Name, content))
}

// speak streams the answer to the client as growing transcript prefixes,
// then finalises it and mirrors it into the client conversation.
func (s *Service) speak(sess *session.Session, resp *model.Response, emit EmitFunc) {
	var b strings.Builder
	if resp.Chunks != nil {
		for chunk := range resp.Chunks {
			b.WriteString(chunk)
			emit(protocol.New(protocol.TypeSpeechPartial, sess.ID, map[string]any{
				"text": b.String(),
			}))
		}
	}
	text := b.String()
	if text == "" {
		text = resp.FullText
	}
	text = strings.TrimRightFunc(text, unicode.IsSpace)

	sess.RecordTrace("speech.final")
	emit(protocol.New(protocol.TypeSpeechFinal, sess.ID, map[string]any{
		"text": text,
	}))
	sess.AppendTurn(model.AssistantTurn(text))

	s.emitControlCall(sess, emit, "convo.appendMessage", map[string]any{
		"role":      "assistant",
		"text":      text,
		"isPartial": false,
	})
	s.emitControlCall(sess, emit, "convo.setState", map[string]any{"state": "speaking"})
	s.emitControlCall(sess, emit, "tts.speak", map[string]any{"text": text})
	s.emitControlCall(sess, emit, "convo.setState", map[string]any{"state": "idle"})
}

// emitControlCall sends a fire-and-forget tool call driving the client UI
// or audio pipeline. The call is recorded as pending so a client ack can
// clear it, but the loop never waits on it.
func (s *Service) emitControlCall(sess *session.Session, emit EmitFunc, name string, input map[string]any) {
	callID := uuid.NewString()
	emit(protocol.New(protocol.TypeToolCall, sess.ID, map[string]any{
		"callId":    callID,
		"name":      name,
		"arguments": encodeArguments(input),
	}))
	sess.AddPending(session.PendingCall{
		CallID:    callID,
		ToolName:  name,
		EmittedAt: time.Now(),
	})
}

// encodeArguments renders tool input as a compact JSON object string.
// Empty or unencodable input becomes "{}".
func encodeArguments(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
