// Package agent runs the conversational loop between a chat model and the
// execution backend.
//
// The agent keeps no transcript of its own: callers send the full message
// history with every request and receive one reply. When the model calls
// the execute_python tool, the agent dispatches the code to the executor,
// feeds the canonical result back as a tool message, and lets the model
// continue. Tool rounds are bounded; once the budget is spent the agent
// asks the model for a closing reply without offering tools again.
//
// Without a configured model the agent degrades to a demo chat that still
// routes code through the executor, so deployments without a model
// exercise the full execution path.
package agent
