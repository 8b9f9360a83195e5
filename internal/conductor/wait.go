package conductor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cadenzalabs/cadenza/internal/session"
	"github.com/cadenzalabs/cadenza/pkg/protocol"
)

// waitForToolResult blocks until the client answers the given call, the
// wait times out, or the context ends. On timeout the resolver and pending
// entry are removed so a late result hits the silent-drop path.
func (s *Service) waitForToolResult(ctx context.Context, sess *session.Session, callID string, ch <-chan session.ToolOutcome) session.ToolOutcome {
	timer := time.NewTimer(s.toolResultTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome
	case <-timer.C:
		// The result may have been delivered between the timer firing and
		// this arm being chosen; prefer it over the timeout.
		select {
		case outcome := <-ch:
			return outcome
		default:
		}
		sess.RemoveResolver(callID)
		sess.RemovePending(callID)
		s.metrics.ToolResultTimeouts.Add(ctx, 1)
		slog.Warn("tool result wait timed out",
			"session", sess.ID,
			"call_id", callID,
			"timeout", s.toolResultTimeout,
		)
		return session.ToolOutcome{Err: protocol.ErrToolResultTimeout}
	case <-ctx.Done():
		sess.RemoveResolver(callID)
		sess.RemovePending(callID)
		return session.ToolOutcome{Err: "canceled"}
	}
}
