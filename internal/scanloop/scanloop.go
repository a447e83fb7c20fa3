// Package scanloop runs a function at a jittered interval. The jitter keeps
// a fleet of agents from hitting the primary in lockstep.
package scanloop

import (
	"context"
	"math/rand/v2"
	"time"
)

// Run executes fn at minInterval + random([0, jitterRange)) until ctx is
// cancelled. The first run happens after one interval.
func Run(ctx context.Context, minInterval, jitterRange time.Duration, fn func(context.Context)) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
	}
}

// RunNow is Run with an immediate first execution.
func RunNow(ctx context.Context, minInterval, jitterRange time.Duration, fn func(context.Context)) {
	if ctx.Err() != nil {
		return
	}
	fn(ctx)
	Run(ctx, minInterval, jitterRange, fn)
}
