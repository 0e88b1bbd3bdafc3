package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/mdnsync/mdnsync/internal/config"
)

// nextDelay returns how long to wait before the next poll. With the
// exponential policy each consecutive failure doubles the interval, capped
// at BackoffMax.
func (d *Daemon) nextDelay() time.Duration {
	base := d.cfg.PollInterval
	if d.failures == 0 || !strings.EqualFold(d.cfg.RetryPolicy, config.RetryExponential) {
		return base
	}
	limit := d.cfg.BackoffMax
	if limit < base {
		limit = base
	}
	delay := base
	for i := 1; i < d.failures; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
