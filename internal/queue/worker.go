package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultInterval is how often the worker sweeps.
const DefaultInterval = 15 * time.Minute

// StartWorker runs a background goroutine that sweeps every interval until
// ctx is cancelled.
func StartWorker(ctx context.Context, p *Processor, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		p.logger.Info("Queue worker started", "interval", interval, "stale_after", p.cfg.StaleAfter)

		for {
			select {
			case <-ticker.C:
				if _, err := p.Sweep(ctx); err != nil {
					if errors.Is(err, ErrSweepInProgress) {
						p.logger.Debug("Queue worker skipped tick, sweep still running")
						continue
					}
					p.logger.Error("Queue worker sweep failed", "error", err)
				}
			case <-ctx.Done():
				p.logger.Info("Queue worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
