// Package retry expresses bounded fixed-period retries as an iterator.
package retry

import (
	"iter"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/clock"
)

// Policy bounds a retry loop
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Attempts yields (attempt, elapsed) pairs, attempt numbered from 1 and
// elapsed measured on clk from the first attempt. Between attempts it
// calls wait with the policy interval; the caller stops the iteration by
// breaking out of the range loop. At most MaxAttempts pairs are yielded
// and wait is never called after the last one.
func (p Policy) Attempts(clk clock.Clock, wait func(time.Duration)) iter.Seq2[int, time.Duration] {
	return func(yield func(int, time.Duration) bool) {
		start := clk.Now()
		for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
			if attempt > 1 {
				wait(p.Interval)
			}
			if !yield(attempt, clk.Now().Sub(start)) {
				return
			}
		}
	}
}
