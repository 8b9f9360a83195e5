package model

// Role identifies who produced a conversation turn.
type Role string

// Known roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry of a conversation history. It is a tagged record:
//
//   - user/system/assistant text turns carry Text only.
//   - assistant tool-use turns carry ToolCalls and no Text.
//   - tool turns carry ToolUseID, ToolName and the result text in Text.
type Turn struct {
	// Role is the producer of the turn.
	Role Role

	// Text is the turn content. For tool turns it holds the client-produced
	// result or error string.
	Text string

	// ToolCalls is set only on assistant turns where the model requested
	// tool invocations.
	ToolCalls []ToolCallRequest

	// ToolUseID correlates a tool turn with the id of a ToolCallRequest in
	// an earlier assistant turn. Provider-assigned; must round-trip exactly.
	ToolUseID string

	// ToolName names the tool that produced a tool turn.
	ToolName string
}

// UserTurn builds a user text turn.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

// AssistantTurn builds a final assistant text turn.
func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text}
}

// AssistantToolCallsTurn builds an assistant turn recording the model's
// decision to invoke tools.
func AssistantToolCallsTurn(calls []ToolCallRequest) Turn {
	return Turn{Role: RoleAssistant, ToolCalls: calls}
}

// ToolTurn builds a tool-result turn attributed to a prior tool call.
// toolUseID is the provider-assigned call id, never the server dispatch id.
func ToolTurn(toolUseID, toolName, content string) Turn {
	return Turn{Role: RoleTool, ToolUseID: toolUseID, ToolName: toolName, Text: content}
}

// SystemTurn builds a system directive turn.
func SystemTurn(text string) Turn {
	return Turn{Role: RoleSystem, Text: text}
}

// ToolCallRequest is a single tool invocation requested by the model.
type ToolCallRequest struct {
	// ID is the provider-assigned call identifier. Tool turns referencing
	// this call must carry it bit-exact so the provider can correlate.
	ID string

	// Name is the tool to invoke.
	Name string

	// Input is the decoded tool argument object. Never nil.
	Input map[string]any
}

// ToolDefinition declares a tool offered to the model. Declarations only;
// execution happens on the client.
type ToolDefinition struct {
	// Name is the tool identifier, e.g. "repositories.list".
	Name string

	// Description tells the model when to pick this tool. Kept terse.
	Description string

	// InputSchema is a JSON-schema-shaped object using the fixed subset
	// {type:"object", properties, required}.
	InputSchema map[string]any
}
