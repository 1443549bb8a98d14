package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// Logging returns middleware that emits structured log entries for each
// execution. The log entry includes the request ID (from context), the
// conversation ID, the session ID that served the execution, duration,
// and whether the execution succeeded or failed.
//
// Note: The HTTP method and path are not available at the Execer level.
// This middleware logs at the handler level. For full HTTP-level logging
// (including status codes), use HTTP-level middleware in the adapter.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Execer) Execer {
		return ExecerFunc(func(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
			start := time.Now()
			requestID := RequestIDFromContext(ctx)

			resp, err := next.Execute(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("conversation_id", req.ConversationID),
				slog.Duration("duration", time.Since(start)),
			}
			if resp != nil {
				attrs = append(attrs, slog.String("session_id", resp.SessionID))
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "execution failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "execution completed", attrs...)
			}

			return resp, err
		})
	}
}
