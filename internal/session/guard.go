package session

import (
	"context"
	"time"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Guarded serializes every call into a Session. The controller, the
// diagnostics path and the status API all share one radio through it.
type Guarded struct {
	s   Session
	sem chan struct{}
}

// Guard wraps s. Wrapping an already guarded session returns it as is.
func Guard(s Session) *Guarded {
	if g, ok := s.(*Guarded); ok {
		return g
	}
	return &Guarded{s: s, sem: make(chan struct{}, 1)}
}

// Unwrap returns the underlying session
func (g *Guarded) Unwrap() Session { return g.s }

func (g *Guarded) lock()   { g.sem <- struct{}{} }
func (g *Guarded) unlock() { <-g.sem }

// Do runs fn with exclusive access to the session, giving up if ctx is
// done before access is granted.
func (g *Guarded) Do(ctx context.Context, fn func(Session) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer g.unlock()
	return fn(g.s)
}

func (g *Guarded) Initialize(ctx context.Context, radio RadioConfig, region lorawan.Region, join JoinConfig) error {
	g.lock()
	defer g.unlock()
	return g.s.Initialize(ctx, radio, region, join)
}

func (g *Guarded) BeginJoin() error {
	g.lock()
	defer g.unlock()
	return g.s.BeginJoin()
}

func (g *Guarded) IsJoined() bool {
	g.lock()
	defer g.unlock()
	return g.s.IsJoined()
}

func (g *Guarded) SendConfirmed(payload []byte, port uint8) SendStatus {
	g.lock()
	defer g.unlock()
	return g.s.SendConfirmed(payload, port)
}

func (g *Guarded) ResetConfirmedStatus() {
	g.lock()
	defer g.unlock()
	g.s.ResetConfirmedStatus()
}

func (g *Guarded) LastConfirmedOutcome() ConfirmStatus {
	g.lock()
	defer g.unlock()
	return g.s.LastConfirmedOutcome()
}

func (g *Guarded) SendInProgress() bool {
	g.lock()
	defer g.unlock()
	return g.s.SendInProgress()
}

func (g *Guarded) Receive(buf []byte) (int, uint8, bool) {
	g.lock()
	defer g.unlock()
	return g.s.Receive(buf)
}

func (g *Guarded) RequestLinkCheck() error {
	g.lock()
	defer g.unlock()
	return g.s.RequestLinkCheck()
}

func (g *Guarded) LinkCheckResult() (LinkCheck, bool) {
	g.lock()
	defer g.unlock()
	return g.s.LinkCheckResult()
}

func (g *Guarded) DevAddr() (lorawan.DevAddr, error) {
	g.lock()
	defer g.unlock()
	return g.s.DevAddr()
}

func (g *Guarded) ADREnabled() (bool, error) {
	g.lock()
	defer g.unlock()
	return g.s.ADREnabled()
}

func (g *Guarded) SetADREnabled(enabled bool) error {
	g.lock()
	defer g.unlock()
	return g.s.SetADREnabled(enabled)
}

func (g *Guarded) DataRate() (int, error) {
	g.lock()
	defer g.unlock()
	return g.s.DataRate()
}

func (g *Guarded) SetDataRate(dr int) error {
	g.lock()
	defer g.unlock()
	return g.s.SetDataRate(dr)
}

func (g *Guarded) TxPower() (int, error) {
	g.lock()
	defer g.unlock()
	return g.s.TxPower()
}

func (g *Guarded) SetTxPower(power int) error {
	g.lock()
	defer g.unlock()
	return g.s.SetTxPower(power)
}

func (g *Guarded) SetConfirmedRetryCount(n int) error {
	g.lock()
	defer g.unlock()
	return g.s.SetConfirmedRetryCount(n)
}

// Processor returns a serialized Process entry point if the underlying
// session is cooperative.
func (g *Guarded) Processor() (Processor, bool) {
	p, ok := g.s.(Processor)
	if !ok {
		return nil, false
	}
	return guardedProcessor{g: g, p: p}, true
}

// Blocking returns serialized blocking calls if the underlying session
// supports them. The lock is held for the whole blocking call.
func (g *Guarded) Blocking() (Blocking, bool) {
	b, ok := g.s.(Blocking)
	if !ok {
		return nil, false
	}
	return guardedBlocking{g: g, b: b}, true
}

type guardedProcessor struct {
	g *Guarded
	p Processor
}

func (gp guardedProcessor) Process() {
	gp.g.lock()
	defer gp.g.unlock()
	gp.p.Process()
}

type guardedBlocking struct {
	g *Guarded
	b Blocking
}

func (gb guardedBlocking) JoinBlocking(ctx context.Context, timeout time.Duration) error {
	gb.g.lock()
	defer gb.g.unlock()
	return gb.b.JoinBlocking(ctx, timeout)
}

func (gb guardedBlocking) SendConfirmedWait(ctx context.Context, payload []byte, port uint8, timeout time.Duration) WaitResult {
	gb.g.lock()
	defer gb.g.unlock()
	return gb.b.SendConfirmedWait(ctx, payload, port, timeout)
}
