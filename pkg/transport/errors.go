package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Transport-level errors (body too large, unsupported content type,
// method not allowed) are handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case api.ErrorTypeUpstreamError:
		return http.StatusBadGateway
	case api.ErrorTypeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// APIErrorFrom converts a handler error into the APIError to serve and its
// HTTP status code. Classified execution failures become upstream errors
// carrying the failure kind as the error code; their transport detail stays
// in logs, and the response body carries only the generic user message.
// A backend timeout maps to 504 because the code may still be running.
func APIErrorFrom(err error) (*api.APIError, int) {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr, HTTPStatusFromError(apiErr)
	}

	var execErr *api.ExecError
	if errors.As(err, &execErr) {
		upstream := api.NewUpstreamError(execErr.UserMessage())
		upstream.Code = string(execErr.Kind)
		status := http.StatusBadGateway
		if execErr.Kind == api.KindBackendTimeout {
			status = http.StatusGatewayTimeout
		}
		return upstream, status
	}

	return api.NewServerError(err.Error()), http.StatusInternalServerError
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api. It sets the Content-Type header and writes
// the HTTP status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
