package simulated

import (
	"context"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/session"
)

// Cooperative is a simulated session that shares the caller's execution
// context. Nothing happens unless Process is called.
type Cooperative struct {
	*Device
}

// NewCooperative creates a cooperative simulated session
func NewCooperative(clk clock.Clock, cfg Config) *Cooperative {
	return &Cooperative{Device: newDevice(clk, cfg, false)}
}

// Process advances the simulated protocol timers
func (c *Cooperative) Process() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processCalls++
	c.advance()
}

// Preemptive is a simulated session with its own processing. Every call
// observes the current clock, and join and send can block until done.
type Preemptive struct {
	*Device
}

// NewPreemptive creates a preemptive simulated session
func NewPreemptive(clk clock.Clock, cfg Config) *Preemptive {
	return &Preemptive{Device: newDevice(clk, cfg, true)}
}

// JoinBlocking starts a join and blocks until it completes or timeout
// elapses.
func (p *Preemptive) JoinBlocking(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.BeginJoin(); err != nil {
		return err
	}

	p.mu.Lock()
	wait := p.joinAt.Sub(p.clk.Now())
	fails := p.cfg.JoinFails
	p.mu.Unlock()

	if fails || wait > timeout {
		p.clk.Sleep(timeout)
		return session.ErrJoinTimeout
	}
	p.clk.Sleep(wait)
	if !p.IsJoined() {
		return session.ErrJoinTimeout
	}
	return nil
}

// SendConfirmedWait sends a confirmed uplink and blocks until its
// terminal event or timeout.
func (p *Preemptive) SendConfirmedWait(ctx context.Context, payload []byte, port uint8, timeout time.Duration) session.WaitResult {
	if ctx.Err() != nil {
		return session.WaitResultFromCode(session.CodeRejected)
	}

	switch p.SendConfirmed(payload, port) {
	case session.Busy:
		return session.WaitResultFromCode(session.CodeBusy)
	case session.Rejected:
		return session.WaitResultFromCode(session.CodeRejected)
	}

	p.mu.Lock()
	wait := p.resolveAt.Sub(p.clk.Now())
	code := p.pending.Code
	p.mu.Unlock()

	if wait > timeout {
		p.clk.Sleep(timeout)
		return session.WaitResultFromCode(session.CodeTimedOut)
	}
	p.clk.Sleep(wait)

	if code != 0 {
		return session.WaitResultFromCode(code)
	}
	if p.LastConfirmedOutcome() == session.Acknowledged {
		return session.WaitResultFromCode(session.CodeAcknowledged)
	}
	return session.WaitResultFromCode(session.CodeNotAcknowledged)
}
