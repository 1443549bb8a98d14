package llm

import (
	"net/url"
	"time"
)

// DefaultAzureAPIVersion is the api-version query sent to Azure OpenAI when
// none is configured.
const DefaultAzureAPIVersion = "2024-06-01"

// Config holds connection settings for the model backend.
type Config struct {
	// BaseURL of the backend without the completions path, e.g.
	// "http://localhost:8000" or "https://myresource.openai.azure.com".
	BaseURL string

	// APIKey authenticates to the backend. Optional for local backends.
	APIKey string

	// Model is the model name sent in the request body. When empty and a
	// Deployment is set, the deployment name is used.
	Model string

	// Deployment selects the Azure OpenAI dialect: requests go to
	// /openai/deployments/{Deployment}/chat/completions and the key is sent
	// in the api-key header instead of a bearer.
	Deployment string

	// APIVersion is the Azure api-version query parameter.
	// Default: DefaultAzureAPIVersion. Ignored outside the Azure dialect.
	APIVersion string

	// Temperature and MaxTokens are passed through when set.
	Temperature *float64
	MaxTokens   *int

	// Timeout for non-streaming requests. Defaults to 120s. Streaming
	// requests are bounded by context cancellation instead.
	Timeout time.Duration
}

func (c Config) azure() bool {
	return c.Deployment != ""
}

func (c Config) model() string {
	if c.Model != "" {
		return c.Model
	}
	return c.Deployment
}

func (c Config) apiVersion() string {
	if c.APIVersion != "" {
		return c.APIVersion
	}
	return DefaultAzureAPIVersion
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 120 * time.Second
	}
	return c.Timeout
}

// completionsURL builds the chat completions endpoint for the configured
// dialect. BaseURL is expected to be pre-trimmed by New.
func (c Config) completionsURL() string {
	if c.azure() {
		return c.BaseURL + "/openai/deployments/" + url.PathEscape(c.Deployment) +
			"/chat/completions?api-version=" + url.QueryEscape(c.apiVersion())
	}
	return c.BaseURL + "/v1/chat/completions"
}
