// Package llm is a Chat Completions client for the model behind the agent.
// It speaks the OpenAI-compatible wire format with two dialects selected by
// configuration: plain bearer-token backends (OpenAI, vLLM, LiteLLM and
// friends) and Azure OpenAI, which routes through a deployment path and
// authenticates with an api-key header. Tool calling and SSE streaming are
// supported; everything else of the Chat Completions surface is out of scope.
package llm
