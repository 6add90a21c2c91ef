package hub

import (
	"context"
	"time"
)

// runSweeper periodically reconciles derived state against ground truth:
// stale presence records are evicted from the shared store and viewer
// contributions are rewritten from actual room membership. Unclean
// disconnects and missed store writes heal within one interval.
func (h *Hub) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			h.presence.Sweep(ctx)
			h.viewers.Reconcile(h.registry.PostRooms())
			h.log.Debug("sweep completed", "took", time.Since(start))
		}
	}
}
