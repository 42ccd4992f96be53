package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/modelriver/modelriver/internal/adapter"
)

// wrapStream forwards every upstream chunk verbatim and settles deployment
// stats when the sequence terminates: natural close records a success with
// the full stream duration; a terminal error chunk or a cancelled attempt
// context (client disconnect, timeout) records a failure. The in-flight
// counter and the attempt context are released on both paths.
func (r *Router) wrapStream(ctx context.Context, upstream <-chan adapter.StreamChunk, cancel context.CancelFunc, deploymentID uuid.UUID, start time.Time) <-chan adapter.StreamChunk {
	out := make(chan adapter.StreamChunk, 1)
	go func() {
		defer close(out)
		defer cancel()
		defer r.tracker.EndDispatch(deploymentID)

		failed := false
		for chunk := range upstream {
			if chunk.Err != nil {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Consumer is gone; discard whatever the provider still sends.
				for range upstream {
				}
				r.tracker.RecordFailure(deploymentID)
				return
			}
		}
		if failed || ctx.Err() != nil {
			r.tracker.RecordFailure(deploymentID)
			return
		}
		r.tracker.RecordSuccess(deploymentID, time.Since(start))
	}()
	return out
}
