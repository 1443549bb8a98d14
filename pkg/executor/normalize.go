package executor

import (
	"encoding/json"
	"fmt"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
)

// Backends answer in one of two shapes. Azure session pools wrap everything
// in a properties object; custom session containers reply with flat fields.
// The presence of the properties key selects the shape, and nothing past
// this boundary sees the raw body.
type structuredProperties struct {
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returnCode"`
}

type flatResponse struct {
	Output          string `json:"output"`
	Error           string `json:"error"`
	ReturnCode      int    `json:"return_code"`
	Success         *bool  `json:"success"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Normalize decodes a backend response body into the canonical result.
// Missing fields default to empty output and return code zero. Success is
// judged by the return code alone; the flat shape's success flag is only
// consulted to log when it disagrees, because some containers set it from
// heuristics rather than from the interpreter exit status.
func Normalize(body []byte) (*api.ExecutionResult, error) {
	var probe struct {
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}

	if probe.Properties != nil {
		var props structuredProperties
		if err := json.Unmarshal(probe.Properties, &props); err != nil {
			return nil, fmt.Errorf("decode backend response properties: %w", err)
		}
		return &api.ExecutionResult{
			Stdout:     props.Stdout,
			Stderr:     props.Stderr,
			ReturnCode: props.ReturnCode,
			Succeeded:  props.ReturnCode == 0,
		}, nil
	}

	var flat flatResponse
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	succeeded := flat.ReturnCode == 0
	if flat.Success != nil && *flat.Success != succeeded {
		debug.Log("executor", "backend success flag contradicts return code",
			"success", *flat.Success,
			"return_code", flat.ReturnCode,
		)
	}
	return &api.ExecutionResult{
		Stdout:          flat.Output,
		Stderr:          flat.Error,
		ReturnCode:      flat.ReturnCode,
		Succeeded:       succeeded,
		ExecutionTimeMs: flat.ExecutionTimeMs,
	}, nil
}
