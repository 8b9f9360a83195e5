// Package tools declares the static agent-tool catalog exposed to the
// model. The entries are declarations only: every tool is executed on the
// client, the server just dispatches calls and correlates results.
package tools

import "github.com/cadenzalabs/cadenza/pkg/provider/model"

// SystemDirective is the fixed directive placed at the head of every
// provider request.
const SystemDirective = "You are a voice assistant for software engineers. " +
	"You drive coding agents hands-free and keep spoken answers short and conversational. " +
	"When the user asks you to work on code, create a PR, analyze a repository, or run any " +
	"coding task, use `agent.spawn`. By default set `autoCreatePr` and `autoBranch` to false " +
	"unless the user explicitly asks. Confirm repository when unspecified; call " +
	"`repositories.list` first if you don't know it."

// catalog is the canonical tool list, in the order offered to the model.
var catalog = []model.ToolDefinition{
	{
		Name:        "agent.spawn",
		Description: "Launch a new external coding agent against a repository or pull request.",
		InputSchema: objectSchema(map[string]any{
			"prompt":       map[string]any{"type": "string", "description": "Task for the agent to carry out."},
			"repository":   map[string]any{"type": "string", "description": "Repository the agent works on, owner/name form."},
			"autoCreatePr": map[string]any{"type": "boolean", "description": "Open a pull request automatically when done."},
			"autoBranch":   map[string]any{"type": "boolean", "description": "Create a working branch automatically."},
		}, "prompt"),
	},
	{
		Name:        "agent.status",
		Description: "Query a running agent's status.",
		InputSchema: objectSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Agent identifier."},
		}, "id"),
	},
	{
		Name:        "agent.cancel",
		Description: "Stop a running agent.",
		InputSchema: objectSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Agent identifier."},
		}, "id"),
	},
	{
		Name:        "agent.followup",
		Description: "Append instructions to a running agent.",
		InputSchema: objectSchema(map[string]any{
			"id":     map[string]any{"type": "string", "description": "Agent identifier."},
			"prompt": map[string]any{"type": "string", "description": "Additional instructions."},
		}, "id", "prompt"),
	},
	{
		Name:        "agent.list",
		Description: "List recent agents.",
		InputSchema: objectSchema(map[string]any{}),
	},
	{
		Name:        "repositories.list",
		Description: "List repositories the user has connected. Use to disambiguate names before agent.spawn.",
		InputSchema: objectSchema(map[string]any{}),
	},
}

// Definitions returns the catalog. Callers must not mutate the result.
func Definitions() []model.ToolDefinition {
	return catalog
}

// objectSchema builds the fixed JSON-schema subset used by the catalog:
// type object, properties, optional required list.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}
