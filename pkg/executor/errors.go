package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
)

// maxErrorBody caps how much of a failure response lands in error messages
// and logs. Backends have returned whole HTML error pages here.
const maxErrorBody = 512

// classifyTransport maps a failed round trip to its error kind. A deadline
// means the backend may have run the code before we gave up, so it gets its
// own kind; everything else never left this process or never connected.
func classifyTransport(err error) *api.ExecError {
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewExecError(api.KindBackendTimeout, err)
	}
	return api.NewExecError(api.KindTransport, err)
}

// classifyStatus maps a non-200 backend response to its error kind.
func classifyStatus(status int, body []byte) *api.ExecError {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return api.NewExecError(api.KindAuth,
			fmt.Errorf("backend rejected credentials (HTTP %d)", status))
	case http.StatusTooManyRequests:
		return api.NewExecError(api.KindBackendError,
			fmt.Errorf("backend at capacity (HTTP %d)", status))
	default:
		return api.NewExecError(api.KindBackendError,
			fmt.Errorf("backend returned HTTP %d: %s", status, debug.Truncate(string(body), maxErrorBody)))
	}
}
