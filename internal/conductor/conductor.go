// Package conductor implements the per-session orchestration between the
// voice client and the model provider: event dispatch, the multi-round
// tool-use loop, and suspend-and-resume on client tool results.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cadenzalabs/cadenza/internal/observe"
	"github.com/cadenzalabs/cadenza/internal/session"
	"github.com/cadenzalabs/cadenza/internal/tools"
	"github.com/cadenzalabs/cadenza/pkg/protocol"
	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

// Defaults for the round loop and the tool-result wait.
const (
	DefaultMaxToolRounds     = 8
	DefaultToolResultTimeout = 30 * time.Second
)

// EmitFunc delivers an outbound envelope to the client socket. It must not
// fail: the transport layer logs and continues on a closed socket.
type EmitFunc func(*protocol.Envelope)

// Service handles inbound events for all sessions. One instance serves the
// whole process; per-session state lives in the session store.
type Service struct {
	store    *session.Store
	provider model.Provider
	metrics  *observe.Metrics

	providerName      string
	catalog           []model.ToolDefinition
	directive         string
	maxToolRounds     int
	toolResultTimeout time.Duration
}

// Option is a functional option for Service.
type Option func(*Service)

// WithMaxToolRounds overrides the provider round cap per transcript.
func WithMaxToolRounds(n int) Option {
	return func(s *Service) {
		s.maxToolRounds = n
	}
}

// WithToolResultTimeout overrides the tool-result wait limit.
func WithToolResultTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.toolResultTimeout = d
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(s *Service) {
		s.providerName = name
	}
}

// WithCatalog overrides the tool catalog and system directive offered to
// the model. Defaults to the static agent-tool catalog.
func WithCatalog(defs []model.ToolDefinition, directive string) Option {
	return func(s *Service) {
		s.catalog = defs
		s.directive = directive
	}
}

// New creates a conductor service on top of the given store and provider.
func New(store *session.Store, provider model.Provider, opts ...Option) *Service {
	s := &Service{
		store:             store,
		provider:          provider,
		providerName:      "model",
		catalog:           tools.Definitions(),
		directive:         tools.SystemDirective,
		maxToolRounds:     DefaultMaxToolRounds,
		toolResultTimeout: DefaultToolResultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// HandleEvent dispatches one inbound envelope. Unknown event types are
// ignored. A panic in a handler is converted into a handler_error envelope
// so one bad event cannot take the connection down.
func (s *Service) HandleEvent(ctx context.Context, env *protocol.Envelope, emit EmitFunc) {
	defer s.recoverToError(env.Type, env.SessionID, emit)

	switch env.Type {
	case protocol.TypeSessionStart:
		s.handleSessionStart(env, emit)
	case protocol.TypeTranscriptFinal:
		s.handleTranscriptFinal(ctx, env, emit)
	case protocol.TypeToolResult:
		s.handleToolResult(env)
	case protocol.TypeAudioInterrupt:
		// The client already stopped playback locally; nothing to do here.
		slog.Info("audio output interrupted",
			"session", env.SessionID,
			"reason", stringField(env.Payload, "reason"),
		)
	case protocol.TypeAgentCompleted:
		s.handleAgentCompleted(ctx, env, emit)
	case protocol.TypeError:
		slog.Warn("client reported error",
			"session", env.SessionID,
			"code", stringField(env.Payload, "code"),
			"message", stringField(env.Payload, "message"),
		)
	default:
		slog.Debug("ignoring unknown event type", "type", env.Type, "session", env.SessionID)
	}
}

// handleSessionStart creates the session and stores the optional opaque
// token. The token value never reaches the log output.
func (s *Service) handleSessionStart(env *protocol.Envelope, emit EmitFunc) {
	sess := s.store.GetOrCreate(env.SessionID)
	if token := stringField(env.Payload, "githubToken"); token != "" {
		sess.SetGitHubToken(token)
	}
	slog.Info("session started",
		"session", sess.ID,
		"has_token", sess.GitHubToken() != "",
	)
	emit(protocol.New(protocol.TypeSessionStarted, sess.ID, map[string]any{
		"sessionId": sess.ID,
	}))
}

// handleTranscriptFinal validates the transcript and hands it to the
// session worker. The loop must not run on the socket read goroutine:
// while it is suspended waiting for a tool result, the read loop has to
// stay free to deliver that result.
func (s *Service) handleTranscriptFinal(ctx context.Context, env *protocol.Envelope, emit EmitFunc) {
	text := strings.TrimSpace(stringField(env.Payload, "text"))
	if text == "" {
		emit(protocol.NewError(env.SessionID, protocol.CodeInvalidTranscript, "transcript text must not be empty"))
		return
	}
	sess := s.store.GetOrCreate(env.SessionID)
	s.dispatchLoop(ctx, sess, env.Type, text, emit, loopOptions{})
}

// dispatchLoop queues one loop run on the session's worker goroutine so
// turns never interleave within a session and the caller returns
// immediately.
func (s *Service) dispatchLoop(ctx context.Context, sess *session.Session, eventType, text string, emit EmitFunc, opts loopOptions) {
	sess.Dispatch(func() {
		defer s.recoverToError(eventType, sess.ID, emit)
		s.runLoop(ctx, sess, text, emit, opts)
	})
}

// recoverToError converts a panic into a handler_error envelope so one bad
// event cannot take the connection or the session worker down.
func (s *Service) recoverToError(eventType, sessionID string, emit EmitFunc) {
	if r := recover(); r != nil {
		slog.Error("event handler panicked",
			"type", eventType,
			"session", sessionID,
			"panic", r,
		)
		emit(protocol.NewError(sessionID, protocol.CodeHandlerError, "internal handler error"))
	}
}

// handleToolResult resolves the suspended wait for the referenced call.
// With no resolver registered the call was abandoned (timeout, duplicate
// delivery, or a control call ack) and the event is silently dropped. The
// provider is never re-entered from this path; the waiting loop resumes it.
func (s *Service) handleToolResult(env *protocol.Envelope) {
	callID := stringField(env.Payload, "callId")
	if callID == "" {
		slog.Warn("tool result without callId", "session", env.SessionID)
		return
	}
	s.store.GetOrCreate(env.SessionID).RemovePending(callID)

	outcome := session.ToolOutcome{
		Result: stringField(env.Payload, "result"),
		Err:    stringField(env.Payload, "error"),
	}
	if delivered := s.store.GetOrCreate(env.SessionID).Resolve(callID, outcome); !delivered {
		slog.Debug("tool result for abandoned call dropped",
			"session", env.SessionID,
			"call_id", callID,
		)
	}
}

// handleAgentCompleted turns the terminal agent notification into a
// synthetic user turn asking the model to summarize the outcome. The
// synthetic turn is not mirrored into the client transcript.
func (s *Service) handleAgentCompleted(ctx context.Context, env *protocol.Envelope, emit EmitFunc) {
	var b strings.Builder
	b.WriteString("An external coding agent you dispatched earlier has finished.")
	if name := stringField(env.Payload, "name"); name != "" {
		fmt.Fprintf(&b, " Agent: %s.", name)
	}
	if id := stringField(env.Payload, "agentId"); id != "" {
		fmt.Fprintf(&b, " Id: %s.", id)
	}
	if status := stringField(env.Payload, "status"); status != "" {
		fmt.Fprintf(&b, " Status: %s.", status)
	}
	if prompt := stringField(env.Payload, "prompt"); prompt != "" {
		fmt.Fprintf(&b, " Original task: %s.", prompt)
	}
	if summary := stringField(env.Payload, "summary"); summary != "" {
		fmt.Fprintf(&b, " Result summary: %s.", summary)
	}
	b.WriteString(" Tell the user what happened in one or two short spoken sentences.")

	sess := s.store.GetOrCreate(env.SessionID)
	s.dispatchLoop(ctx, sess, env.Type, b.String(), emit, loopOptions{suppressUserMessage: true})
}

// stringField extracts a string payload field, returning "" for anything
// absent or non-string.
func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
