package node

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/session"
)

// Mode selects how the controller waits on the session
type Mode string

const (
	ModeAuto        Mode = ""
	ModeCooperative Mode = "cooperative"
	ModePreemptive  Mode = "preemptive"
)

const progressEvery = 5 * time.Second

// pacer is the wait primitive. The cooperative pacer drives the stack's
// Process entry point while waiting; the preemptive pacer blocks once.
type pacer interface {
	mode() Mode
	// pause waits d between two attempts of a retry loop.
	pause(d time.Duration)
	// sleep lets d elapse.
	sleep(d time.Duration, label string)
	// pollUntil waits at most window for done to report true.
	pollUntil(window time.Duration, done func() bool) bool
	// idle waits until the clock reaches until or ctx is done.
	idle(ctx context.Context, until time.Time, tick func())
}

type cooperativePacer struct {
	clk  clock.Clock
	proc session.Processor
	poll time.Duration
}

func (p *cooperativePacer) mode() Mode { return ModeCooperative }

func (p *cooperativePacer) pause(d time.Duration) {
	p.proc.Process()
	p.clk.Sleep(d)
}

func (p *cooperativePacer) sleep(d time.Duration, label string) {
	start := p.clk.Now()
	nextProgress := progressEvery
	for elapsed := time.Duration(0); elapsed < d; {
		p.proc.Process()
		p.clk.Sleep(p.poll)
		elapsed = p.clk.Now().Sub(start)
		if elapsed >= nextProgress && elapsed < d {
			log.Debug().
				Str("wait", label).
				Dur("elapsed", elapsed).
				Dur("total", d).
				Msg("Still waiting")
			nextProgress += progressEvery
		}
	}
}

func (p *cooperativePacer) pollUntil(window time.Duration, done func() bool) bool {
	iterations := int((window + p.poll - 1) / p.poll)
	for i := 0; i < iterations; i++ {
		p.proc.Process()
		if done() {
			return true
		}
		p.clk.Sleep(p.poll)
	}
	p.proc.Process()
	return done()
}

func (p *cooperativePacer) idle(ctx context.Context, until time.Time, tick func()) {
	for ctx.Err() == nil && p.clk.Now().Before(until) {
		p.proc.Process()
		if tick != nil {
			tick()
		}
		p.clk.Sleep(p.poll)
	}
}

type preemptivePacer struct {
	clk clock.Clock
}

func (p *preemptivePacer) mode() Mode { return ModePreemptive }

func (p *preemptivePacer) pause(d time.Duration) {
	p.clk.Sleep(d)
}

func (p *preemptivePacer) sleep(d time.Duration, _ string) {
	p.clk.Sleep(d)
}

func (p *preemptivePacer) pollUntil(window time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	p.clk.Sleep(window)
	return done()
}

func (p *preemptivePacer) idle(ctx context.Context, until time.Time, _ func()) {
	d := until.Sub(p.clk.Now())
	if d <= 0 {
		return
	}
	select {
	case <-p.clk.After(d):
	case <-ctx.Done():
	}
}
