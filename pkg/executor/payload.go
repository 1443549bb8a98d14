package executor

// executionPayload is the request body sent to the backend. It carries the
// code in two shapes at once: the nested properties form that the Azure
// dynamic-sessions API documents, and flat top-level fields that some pool
// forwarders and custom session containers read instead. Each backend picks
// the shape it understands and ignores the other.
type executionPayload struct {
	Properties executionProperties `json:"properties"`
	Code       string              `json:"code"`
	Language   string              `json:"language"`
}

type executionProperties struct {
	CodeInputType    string `json:"codeInputType"`
	ExecutionType    string `json:"executionType"`
	TimeoutInSeconds int    `json:"timeoutInSeconds"`
	Code             string `json:"code"`
}

func newExecutionPayload(code string, timeoutSeconds int) executionPayload {
	return executionPayload{
		Properties: executionProperties{
			CodeInputType:    "inline",
			ExecutionType:    "synchronous",
			TimeoutInSeconds: timeoutSeconds,
			Code:             code,
		},
		Code:     code,
		Language: "python",
	}
}
