package coordinator

import (
	"context"
	"time"
)

// DefaultSweepInterval is the period between TTL sweeps.
const DefaultSweepInterval = time.Second

// Run is the coordinator's control loop. It sweeps on every tick and applies
// completions from the inbox until ctx is cancelled, then drains whatever is
// still queued.
func (c *Coordinator) Run(ctx context.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	c.logger.Info("coordinator loop started", "sweep_interval", sweepInterval)
	for {
		select {
		case <-ctx.Done():
			c.drain()
			c.logger.Info("coordinator loop stopped")
			return
		case <-ticker.C:
			c.Sweep(c.now())
		case m := <-c.inbox:
			c.apply(m)
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case m := <-c.inbox:
			c.apply(m)
		default:
			return
		}
	}
}
