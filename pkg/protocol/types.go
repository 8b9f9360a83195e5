package protocol

// Event types exchanged over the conductor socket. The set is closed:
// inbound events with an unknown type are ignored, never errored.
const (
	// Client → server.
	TypeSessionStart    = "session.start"
	TypeTranscriptFinal = "user.audio.transcript.final"
	TypeToolResult      = "tool.result"
	TypeAudioInterrupt  = "audio.output.interrupted"
	TypeAgentCompleted  = "agent.completed"

	// Server → client.
	TypeSessionStarted = "session.started"
	TypeSpeechPartial  = "assistant.speech.partial"
	TypeSpeechFinal    = "assistant.speech.final"
	TypeToolCall       = "tool.call"
	TypeAgentStatus    = "agent.status"

	// Reserved for future UI streaming. Never emitted by the conductor.
	TypeUIPatch = "assistant.ui.patch"

	// Bidirectional.
	TypeError = "error"
)

// Error codes carried in the payload of a [TypeError] envelope.
const (
	CodeInvalidEvent           = "invalid_event"
	CodeInvalidTranscript      = "invalid_transcript"
	CodeSessionMismatch        = "session_mismatch"
	CodeRateLimited            = "rate_limited"
	CodeModelProviderFailed    = "model_provider_failed"
	CodeToolRoundLimitExceeded = "tool_round_limit_exceeded"
	CodeHandlerError           = "handler_error"
)

// ErrToolResultTimeout is the content string fed back to the model as a
// tool turn when a dispatched tool call is never answered by the client.
// It is deliberately not an envelope error code.
const ErrToolResultTimeout = "tool_result_timeout"
