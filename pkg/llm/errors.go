package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// mapHTTPError converts a non-2xx backend response into an APIError, pulling
// the message out of the standard error body when one is present.
func mapHTTPError(resp *http.Response) *api.APIError {
	message := extractErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if message == "" {
			message = "invalid request to model backend"
		}
		return api.NewInvalidRequestError("", message)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if message == "" {
			message = "model backend authentication failed"
		}
		return api.NewUpstreamError(message)

	case resp.StatusCode == http.StatusNotFound:
		if message == "" {
			message = "model or deployment not found"
		}
		return api.NewUpstreamError(message)

	case resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "model backend rate limit exceeded"
		}
		return api.NewTooManyRequestsError(message)

	default:
		if message == "" {
			message = fmt.Sprintf("model backend error (HTTP %d)", resp.StatusCode)
		}
		return api.NewUpstreamError(message)
	}
}

// mapNetworkError converts a network-level failure into an APIError.
func mapNetworkError(err error) *api.APIError {
	return api.NewUpstreamError(fmt.Sprintf("model backend connection error: %s", err.Error()))
}

// extractErrorMessage reads a bounded amount of the body and tries to parse
// the Chat Completions error envelope.
func extractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var errResp chatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return ""
}
