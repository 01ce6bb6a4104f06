package suggest

import (
	"context"
	"time"
)

// cancelTimeout bounds a single best-effort Cancel call.
const cancelTimeout = 5 * time.Second

// cancelRun tells the backend to stop producing tokens for id. It returns
// immediately; the outcome is logged and otherwise ignored. Callers invoke it
// exactly once per abandoned run, after local state has already been reset.
func (e *Engine) cancelRun(id RunID, reason CancelReason) {
	if id == "" {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("cancel panicked", "run_id", string(id), "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := e.client.Cancel(ctx, CancelRequest{RunID: id, Reason: reason}); err != nil {
			e.logger.Debug("cancel failed", "run_id", string(id), "reason", string(reason), "error", err)
		}
	}()
}
