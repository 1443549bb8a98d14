package executor

import (
	"reflect"
	"testing"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		body string
		want api.ExecutionResult
	}{
		{
			name: "structured success",
			body: `{"properties": {"status": "Succeeded", "stdout": "hi\n", "stderr": "", "returnCode": 0}}`,
			want: api.ExecutionResult{Stdout: "hi\n", Succeeded: true},
		},
		{
			name: "structured failure",
			body: `{"properties": {"status": "Failed", "stdout": "", "stderr": "NameError: name 'x' is not defined", "returnCode": 1}}`,
			want: api.ExecutionResult{Stderr: "NameError: name 'x' is not defined", ReturnCode: 1},
		},
		{
			name: "structured status string not consulted",
			body: `{"properties": {"status": "Failed", "stdout": "ok", "returnCode": 0}}`,
			want: api.ExecutionResult{Stdout: "ok", Succeeded: true},
		},
		{
			name: "structured missing fields default",
			body: `{"properties": {}}`,
			want: api.ExecutionResult{Succeeded: true},
		},
		{
			name: "flat failure",
			body: `{"output": "", "error": "ZeroDivisionError", "return_code": 1, "success": false}`,
			want: api.ExecutionResult{Stderr: "ZeroDivisionError", ReturnCode: 1},
		},
		{
			name: "flat success flag contradicts zero return code",
			body: `{"output": "x", "error": "", "return_code": 0, "success": false}`,
			want: api.ExecutionResult{Stdout: "x", Succeeded: true},
		},
		{
			name: "flat success flag contradicts nonzero return code",
			body: `{"output": "x", "return_code": 2, "success": true}`,
			want: api.ExecutionResult{Stdout: "x", ReturnCode: 2},
		},
		{
			name: "flat carries execution time",
			body: `{"output": "done\n", "return_code": 0, "success": true, "execution_time_ms": 137}`,
			want: api.ExecutionResult{Stdout: "done\n", Succeeded: true, ExecutionTimeMs: 137},
		},
		{
			name: "empty object",
			body: `{}`,
			want: api.ExecutionResult{Succeeded: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize([]byte(tt.body))
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	for _, body := range []string{"not json", `[1, 2]`, `"just a string"`, ""} {
		if _, err := Normalize([]byte(body)); err == nil {
			t.Errorf("Normalize(%q): expected error, got nil", body)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	body := []byte(`{"properties": {"stdout": "hi\n", "stderr": "", "returnCode": 0}}`)

	first, err := Normalize(body)
	if err != nil {
		t.Fatalf("first Normalize failed: %v", err)
	}
	second, err := Normalize(body)
	if err != nil {
		t.Fatalf("second Normalize failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
}
