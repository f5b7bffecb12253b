// Package clock provides the time source used for interval and timeout
// arithmetic. Production code uses Real(); tests use Fake() for
// deterministic control over time.
package clock

import "time"

// Clock abstracts the time operations the node needs
type Clock interface {
	// Now returns the current time. Only monotonic differences are
	// meaningful to callers.
	Now() time.Time

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
