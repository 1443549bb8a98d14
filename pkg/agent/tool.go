package agent

import (
	"encoding/json"
	"fmt"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/llm"
)

// executeToolName is the single built-in tool.
const executeToolName = "execute_python"

const executeToolDescription = "Execute Python code in an isolated, stateful sandbox. " +
	"Variables, imports, and files persist across calls within the same conversation. " +
	"Returns stdout, stderr, and the process return code."

// executeToolSchema is the parameter schema in the JSON Schema form both
// Chat Completions and MCP hosts consume.
var executeToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"code": {
			"type": "string",
			"description": "Python code to execute."
		},
		"timeout_seconds": {
			"type": "integer",
			"description": "Execution timeout in seconds. Defaults to 60."
		}
	},
	"required": ["code"]
}`)

// Tools reports metadata for every tool the agent dispatches.
func (a *Agent) Tools() []api.ToolInfo {
	return []api.ToolInfo{{
		Name:        executeToolName,
		Description: executeToolDescription,
		Parameters:  executeToolSchema,
	}}
}

// modelTools returns the tool definitions in the model client's form.
func (a *Agent) modelTools() []llm.Tool {
	var tools []llm.Tool
	for _, t := range a.Tools() {
		tools = append(tools, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return tools
}

// executeArgs is the argument payload of an execute_python call.
type executeArgs struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// parseExecuteArgs decodes the model's tool call arguments. Models
// occasionally emit malformed JSON here; the error text is fed back as the
// tool result so the model can correct itself.
func parseExecuteArgs(raw string) (executeArgs, error) {
	var args executeArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return executeArgs{}, fmt.Errorf("parse %s arguments: %w", executeToolName, err)
	}
	return args, nil
}
