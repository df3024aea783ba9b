package pipeline

import (
	"context"
	"time"
)

// DefaultTickInterval drives the silence-close scan.
const DefaultTickInterval = time.Second

// RunTicker calls Tick once per interval until ctx is cancelled. time.Ticker
// coalesces missed ticks, so a scan that overruns the interval is followed by
// a single catch-up tick, never a burst.
func (p *Pipeline) RunTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Tick(ctx, now)
		}
	}
}
