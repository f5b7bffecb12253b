package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/internal/session/simulated"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	events    []*models.EventLog
	onPublish func(*models.EventLog)
}

func (r *recorder) Publish(_ context.Context, ev *models.EventLog) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.onPublish
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) find(code models.EventCode) *models.EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Code == code {
			return ev
		}
	}
	return nil
}

func isOutcome(code models.EventCode) bool {
	switch code {
	case models.CodeDelivered, models.CodeDeliveryNotAcknowledged,
		models.CodeSendRejectedAfterRetries, models.CodeSendTimedOutWaitingForConfirm:
		return true
	}
	return false
}

type harness struct {
	ctrl *Controller
	clk  *clock.FakeClock
	rec  *recorder
	sim  *simulated.Device
}

func newHarness(t *testing.T, cfg Config, simCfg simulated.Config, preemptive bool) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	rec := &recorder{}

	var s session.Session
	var dev *simulated.Device
	if preemptive {
		p := simulated.NewPreemptive(clk, simCfg)
		s, dev = p, p.Device
	} else {
		c := simulated.NewCooperative(clk, simCfg)
		s, dev = c, c.Device
	}

	if cfg.Region == "" {
		cfg.Region = lorawan.EU868
	}
	ctrl, err := New(cfg, s, clk, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{ctrl: ctrl, clk: clk, rec: rec, sim: dev}
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if state, err := h.ctrl.Join(ctx); err != nil || state != Joined {
		t.Fatalf("Join = %v, %v", state, err)
	}
}

func (h *harness) cycle(t *testing.T) CycleReport {
	t.Helper()
	rep, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return rep
}

func sameStates(got, want []CycleState) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAckThenNotAcknowledged(t *testing.T) {
	h := newHarness(t, Config{Interval: 60 * time.Second}, simulated.Config{
		Restored: true,
		Script: []simulated.Exchange{
			{Outcome: session.Acknowledged, Delay: 5 * time.Second},
			{Outcome: session.NotAcknowledged, Delay: 5 * time.Second},
		},
	}, false)
	h.join(t)

	rep := h.cycle(t)
	if rep.Outcome != Acknowledged {
		t.Fatalf("first outcome = %v, want acknowledged", rep.Outcome)
	}
	c := h.ctrl.Counters()
	if c.ConfirmedAttempts != 1 || c.ConfirmedAcks != 1 {
		t.Fatalf("counters = %+v, want attempts 1 acks 1", c)
	}
	if got := c.DeliveryRatio(); got != 100.0 {
		t.Fatalf("ratio = %v, want 100", got)
	}

	rep = h.cycle(t)
	if rep.Outcome != NotAcknowledged {
		t.Fatalf("second outcome = %v, want not acknowledged", rep.Outcome)
	}
	c = h.ctrl.Counters()
	if c.ConfirmedAttempts != 2 || c.ConfirmedAcks != 1 {
		t.Fatalf("counters = %+v, want attempts 2 acks 1", c)
	}
	if got := c.DeliveryRatio(); got != 50.0 {
		t.Fatalf("ratio = %v, want 50", got)
	}
	if c.MessagesSent != 2 {
		t.Fatalf("messages sent = %d, want 2", c.MessagesSent)
	}
	if h.rec.find(models.CodeDeliveryNotAcknowledged) == nil {
		t.Fatal("no DeliveryNotAcknowledged event")
	}
}

func TestAcknowledgedCycleSettles(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{
		Restored: true,
		Script:   []simulated.Exchange{{Outcome: session.Acknowledged, Delay: 5 * time.Second}},
	}, false)
	h.join(t)

	rep := h.cycle(t)
	want := []CycleState{Sending, AwaitingAck, Settling, Draining, Idle}
	if !sameStates(rep.States, want) {
		t.Fatalf("states = %v, want %v", rep.States, want)
	}
	if !rep.Settled {
		t.Fatal("acknowledged cycle did not settle")
	}
	if got := rep.FinishedAt.Sub(rep.StartedAt); got != 35*time.Second {
		t.Fatalf("cycle took %v, want 35s (5s ack + 30s settle)", got)
	}
	if rep.Budget.AttemptsUsed != 1 || !rep.Budget.StackReady {
		t.Fatalf("budget = %+v", rep.Budget)
	}
	if h.sim.ProcessCalls() == 0 {
		t.Fatal("cooperative controller never called Process")
	}
	if ev := h.rec.find(models.CodeDelivered); ev == nil || ev.CycleID == nil || *ev.CycleID != rep.ID {
		t.Fatal("no Delivered event tagged with the cycle")
	}
}

func TestSettleOnlyAfterAck(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 30 * time.Second}, simulated.Config{
		Restored: true,
		Script: []simulated.Exchange{
			{Outcome: session.NotAcknowledged, Delay: time.Second},
			{Reject: true},
			{Outcome: session.Acknowledged, Delay: 2 * time.Minute},
		},
	}, false)
	h.join(t)

	for i, want := range []AckOutcome{NotAcknowledged, SendNotStarted, SendTimedOut} {
		rep := h.cycle(t)
		if rep.Outcome != want {
			t.Fatalf("cycle %d outcome = %v, want %v", i, rep.Outcome, want)
		}
		if rep.Settled {
			t.Fatalf("cycle %d settled after %v", i, rep.Outcome)
		}
		for _, s := range rep.States {
			if s == Settling {
				t.Fatalf("cycle %d entered settling after %v", i, rep.Outcome)
			}
		}
	}
}

func TestBusyExhaustsBudget(t *testing.T) {
	h := newHarness(t, Config{Interval: 60 * time.Second, MaxSendAttempts: 200}, simulated.Config{
		Restored: true,
		Script:   []simulated.Exchange{{Busy: 1000}},
	}, false)
	h.join(t)

	start := h.clk.Now()
	rep := h.cycle(t)

	if rep.Outcome != SendNotStarted {
		t.Fatalf("outcome = %v, want send not started", rep.Outcome)
	}
	if rep.Budget.AttemptsUsed != 200 || rep.Budget.StackReady {
		t.Fatalf("budget = %+v, want 200 attempts and not ready", rep.Budget)
	}
	if got := h.sim.SendCalls(); got != 200 {
		t.Fatalf("send calls = %d, want 200", got)
	}
	c := h.ctrl.Counters()
	if c.ConfirmedAttempts != 0 || c.ConfirmedAcks != 0 {
		t.Fatalf("counters = %+v, want no attempts", c)
	}

	st := h.ctrl.Status()
	if !st.Timers.LastUplinkTime.Equal(start) {
		t.Fatalf("last uplink = %v, want cycle start %v", st.Timers.LastUplinkTime, start)
	}
	if h.ctrl.Due(start.Add(60*time.Second - time.Millisecond)) {
		t.Fatal("next cycle due before the interval elapsed")
	}
	if !h.ctrl.Due(start.Add(60 * time.Second)) {
		t.Fatal("next cycle not due after the interval")
	}
	if h.rec.find(models.CodeSendRejectedAfterRetries) == nil {
		t.Fatal("no SendRejectedAfterRetries event")
	}
}

func TestRetryNeverExceedsBudget(t *testing.T) {
	for _, busy := range []int{0, 1, 5, 199, 200, 500} {
		h := newHarness(t, Config{MaxSendAttempts: 200}, simulated.Config{
			Restored: true,
			Script:   []simulated.Exchange{{Busy: busy, Outcome: session.Acknowledged}},
		}, false)
		h.join(t)

		rep := h.cycle(t)
		if calls := h.sim.SendCalls(); calls > 200 {
			t.Fatalf("busy %d: %d send calls, want at most 200", busy, calls)
		}
		wantAck := busy < 200
		if (rep.Outcome == Acknowledged) != wantAck {
			t.Fatalf("busy %d: outcome = %v", busy, rep.Outcome)
		}
	}
}

func TestRejectedAbortsImmediately(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{
		Restored: true,
		Script:   []simulated.Exchange{{Reject: true}},
	}, false)
	h.join(t)

	rep := h.cycle(t)
	if rep.Outcome != SendNotStarted || !rep.Rejected {
		t.Fatalf("outcome = %v rejected = %v", rep.Outcome, rep.Rejected)
	}
	if rep.Budget.AttemptsUsed != 1 {
		t.Fatalf("attempts used = %d, want 1", rep.Budget.AttemptsUsed)
	}
}

func TestSendTimedOut(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 30 * time.Second}, simulated.Config{
		Restored: true,
		Script:   []simulated.Exchange{{Outcome: session.Acknowledged, Delay: 2 * time.Minute}},
	}, false)
	h.join(t)

	rep := h.cycle(t)
	if rep.Outcome != SendTimedOut {
		t.Fatalf("outcome = %v, want send timed out", rep.Outcome)
	}
	c := h.ctrl.Counters()
	if c.ConfirmedAttempts != 1 || c.ConfirmedAcks != 0 {
		t.Fatalf("counters = %+v", c)
	}
	ev := h.rec.find(models.CodeSendTimedOutWaitingForConfirm)
	if ev == nil || ev.Level != models.EventLevelError {
		t.Fatalf("timed out event = %+v, want error level", ev)
	}
}

func TestLateConfirmIsNotCountedForNextSend(t *testing.T) {
	h := newHarness(t, Config{Interval: 60 * time.Second, AckTimeout: 30 * time.Second}, simulated.Config{
		Restored: true,
		Script: []simulated.Exchange{
			{Outcome: session.Acknowledged, Delay: 70 * time.Second},
			{Outcome: session.NotAcknowledged, Delay: 3 * time.Second},
		},
	}, false)
	h.join(t)

	first := h.cycle(t)
	if first.Outcome != SendTimedOut {
		t.Fatalf("first outcome = %v, want send timed out", first.Outcome)
	}

	h.clk.Sleep(first.StartedAt.Add(60 * time.Second).Sub(h.clk.Now()))

	// the first send confirms while the second one is retrying on Busy
	second := h.cycle(t)
	if second.Budget.AttemptsUsed < 2 {
		t.Fatalf("attempts used = %d, want the second send to wait on Busy", second.Budget.AttemptsUsed)
	}
	if second.Outcome != NotAcknowledged {
		t.Fatalf("second outcome = %v, want not acknowledged", second.Outcome)
	}
	if second.Settled {
		t.Fatal("second cycle settled without an ack")
	}
	c := h.ctrl.Counters()
	if c.MessagesSent != 2 || c.ConfirmedAttempts != 2 || c.ConfirmedAcks != 0 {
		t.Fatalf("counters = %+v, want sent 2 attempts 2 acks 0", c)
	}
}

func TestPreemptiveOutcomes(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 90 * time.Second}, simulated.Config{
		Restored: true,
		Script: []simulated.Exchange{
			{Outcome: session.Acknowledged, Delay: 5 * time.Second},
			{Outcome: session.NotAcknowledged, Delay: 5 * time.Second},
			{Outcome: session.Acknowledged, Delay: 2 * time.Minute},
			{Outcome: session.Acknowledged, Code: -7},
			{Busy: 3, Outcome: session.Acknowledged},
		},
	}, true)
	h.join(t)
	if h.ctrl.Mode() != ModePreemptive {
		t.Fatalf("mode = %v, want preemptive", h.ctrl.Mode())
	}

	want := []AckOutcome{Acknowledged, NotAcknowledged, SendTimedOut, NotAcknowledged, Acknowledged}
	for i, w := range want {
		if i == 3 {
			// let the stuck send finish
			h.clk.Sleep(time.Minute)
		}
		rep := h.cycle(t)
		if rep.Outcome != w {
			t.Fatalf("cycle %d outcome = %v, want %v", i, rep.Outcome, w)
		}
		if i == 4 && rep.Budget.AttemptsUsed != 4 {
			t.Fatalf("attempts used = %d, want 4", rep.Budget.AttemptsUsed)
		}
	}

	c := h.ctrl.Counters()
	if c.ConfirmedAttempts != 5 || c.ConfirmedAcks != 2 {
		t.Fatalf("counters = %+v, want attempts 5 acks 2", c)
	}
	if h.sim.ProcessCalls() != 0 {
		t.Fatalf("preemptive controller called Process %d times", h.sim.ProcessCalls())
	}
}

func TestPreemptiveSettleIsOneSleep(t *testing.T) {
	h := newHarness(t, Config{Settle: 30 * time.Second}, simulated.Config{
		Restored: true,
		Script:   []simulated.Exchange{{Outcome: session.Acknowledged, Delay: 5 * time.Second}},
	}, true)
	h.join(t)

	rep := h.cycle(t)
	if !rep.Settled {
		t.Fatal("cycle did not settle")
	}
	if got := rep.FinishedAt.Sub(rep.StartedAt); got != 35*time.Second {
		t.Fatalf("cycle took %v, want 35s", got)
	}
}

func TestJoinRestored(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{Restored: true}, false)
	h.join(t)

	if got := h.clk.Slept(); got != 0 {
		t.Fatalf("restored join slept %v, want no settle", got)
	}
	ev := h.rec.find(models.CodeJoined)
	if ev == nil || ev.Details["restored"] != true {
		t.Fatalf("joined event = %+v", ev)
	}
}

func TestJoinCooperative(t *testing.T) {
	h := newHarness(t, Config{JoinTimeout: 60 * time.Second, JoinSettle: 15 * time.Second},
		simulated.Config{JoinDelay: 8 * time.Second}, false)
	h.join(t)

	if got := h.clk.Now().Sub(epoch); got != 23*time.Second {
		t.Fatalf("join took %v, want 23s (8s join + 15s settle)", got)
	}
	if st := h.ctrl.Status(); st.JoinState != Joined {
		t.Fatalf("join state = %v", st.JoinState)
	}
}

func TestJoinPreemptive(t *testing.T) {
	h := newHarness(t, Config{JoinSettle: 15 * time.Second},
		simulated.Config{JoinDelay: 8 * time.Second}, true)
	h.join(t)

	if got := h.clk.Now().Sub(epoch); got != 23*time.Second {
		t.Fatalf("join took %v, want 23s", got)
	}
}

func TestJoinTimeoutIsFatal(t *testing.T) {
	for _, preemptive := range []bool{false, true} {
		h := newHarness(t, Config{JoinTimeout: 60 * time.Second}, simulated.Config{JoinFails: true}, preemptive)
		ctx := context.Background()
		if err := h.ctrl.Initialize(ctx); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		state, err := h.ctrl.Join(ctx)
		if state != JoinFailed || !errors.Is(err, ErrJoinTimeout) {
			t.Fatalf("preemptive=%v: Join = %v, %v", preemptive, state, err)
		}
		if _, err := h.ctrl.RunCycle(ctx); !errors.Is(err, ErrNotJoined) {
			t.Fatalf("RunCycle after failed join = %v, want ErrNotJoined", err)
		}
		if _, err := h.ctrl.Join(ctx); !errors.Is(err, ErrJoinTimeout) {
			t.Fatalf("second Join = %v, want no retry", err)
		}
		ev := h.rec.find(models.CodeJoinTimeout)
		if ev == nil || ev.Level != models.EventLevelFatal {
			t.Fatalf("join timeout event = %+v", ev)
		}
	}
}

func TestRunStopsOnInitializeFailure(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{InitializeFail: true}, false)
	err := h.ctrl.Run(context.Background())
	if !errors.Is(err, ErrInitialize) {
		t.Fatalf("Run = %v, want ErrInitialize", err)
	}
	if h.rec.find(models.CodeInitializeFailed) == nil {
		t.Fatal("no InitializeFailed event")
	}
}

func TestRunKeepsExactPeriod(t *testing.T) {
	for _, preemptive := range []bool{false, true} {
		h := newHarness(t, Config{Interval: 60 * time.Second, Settle: 30 * time.Second}, simulated.Config{
			Restored: true,
			Script: []simulated.Exchange{
				{Outcome: session.Acknowledged, Delay: time.Second},
				{Outcome: session.NotAcknowledged, Delay: 2 * time.Second},
				{Busy: 50, Outcome: session.Acknowledged, Delay: time.Second},
				{Outcome: session.Acknowledged, Delay: 3 * time.Second},
			},
		}, preemptive)
		h.clk.SetAutoAdvance(true)

		ctx, cancel := context.WithCancel(context.Background())
		var starts []time.Time
		h.rec.onPublish = func(ev *models.EventLog) {
			if !isOutcome(ev.Code) {
				return
			}
			starts = append(starts, h.ctrl.Status().Timers.LastUplinkTime)
			if len(starts) == 4 {
				cancel()
			}
		}

		if err := h.ctrl.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(starts) != 4 {
			t.Fatalf("ran %d cycles, want 4", len(starts))
		}
		for i := 1; i < len(starts); i++ {
			if got := starts[i].Sub(starts[i-1]); got != 60*time.Second {
				t.Fatalf("preemptive=%v: cycle %d started %v after the previous, want 60s", preemptive, i, got)
			}
		}
	}
}

func TestOverrunningCycleStartsNextAtOnce(t *testing.T) {
	h := newHarness(t, Config{Interval: 20 * time.Second, Settle: 30 * time.Second}, simulated.Config{
		Restored: true,
		Script: []simulated.Exchange{
			{Outcome: session.Acknowledged, Delay: time.Second},
			{Outcome: session.NotAcknowledged, Delay: 2 * time.Second},
			{Outcome: session.NotAcknowledged, Delay: 2 * time.Second},
		},
	}, false)
	h.clk.SetAutoAdvance(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var cycles []CycleReport
	h.rec.onPublish = func(ev *models.EventLog) {
		if !isOutcome(ev.Code) {
			return
		}
		cycles = append(cycles, *h.ctrl.Status().LastCycle)
		if len(cycles) == 3 {
			cancel()
		}
	}

	if err := h.ctrl.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cycles) != 3 {
		t.Fatalf("ran %d cycles, want 3", len(cycles))
	}
	if cycles[0].FinishedAt.Sub(cycles[0].StartedAt) <= 20*time.Second {
		t.Fatalf("first cycle took %v, want longer than the interval", cycles[0].FinishedAt.Sub(cycles[0].StartedAt))
	}
	if !cycles[1].StartedAt.Equal(cycles[0].FinishedAt) {
		t.Fatalf("second cycle started at %v, want %v", cycles[1].StartedAt, cycles[0].FinishedAt)
	}
	if got := cycles[2].StartedAt.Sub(cycles[1].StartedAt); got != 20*time.Second {
		t.Fatalf("third cycle started %v after the second, want 20s", got)
	}
}

func TestWorstCaseCycle(t *testing.T) {
	cfg := Config{}.withDefaults()
	// 200 x 100ms busy retry, 30s ack window, 30s settle, 3s link check
	if got := cfg.WorstCaseCycle(); got != 83*time.Second {
		t.Fatalf("WorstCaseCycle() = %v, want 83s", got)
	}
	cfg.ConcurrentDiagnostics = true
	if got := cfg.WorstCaseCycle(); got != 80*time.Second {
		t.Fatalf("WorstCaseCycle() with concurrent diagnostics = %v, want 80s", got)
	}
}

func TestRunWaitsForConcurrentLinkCheck(t *testing.T) {
	h := newHarness(t, Config{Mode: ModePreemptive, ConcurrentDiagnostics: true}, simulated.Config{
		Restored:          true,
		LinkCheckResponds: true,
	}, true)
	h.clk.SetAutoAdvance(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	var linkCheckDone atomic.Bool
	h.rec.onPublish = func(ev *models.EventLog) {
		if ev.Code != models.CodeLinkCheck && ev.Code != models.CodeLinkCheckNoResponse {
			return
		}
		once.Do(func() {
			cancel()
			// the link check is still running while Run sees the cancel
			time.Sleep(50 * time.Millisecond)
			linkCheckDone.Store(true)
		})
	}

	if err := h.ctrl.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !linkCheckDone.Load() {
		t.Fatal("Run returned while a link check was still running")
	}
}

func TestLinkCheck(t *testing.T) {
	h := newHarness(t, Config{LinkCheckWindow: 3 * time.Second}, simulated.Config{
		Restored:          true,
		LinkCheckResponds: true,
		Margin:            20,
		Gateways:          3,
	}, false)
	h.join(t)

	rep := h.ctrl.CollectDiagnostics(context.Background())
	if !rep.Responded || rep.Margin != 20 || rep.Gateways != 3 {
		t.Fatalf("report = %+v", rep)
	}
	d := h.ctrl.LinkDiagnostics()
	if !d.Valid || d.DemodMargin != 20 || d.GatewayCount != 3 {
		t.Fatalf("diagnostics = %+v", d)
	}
	if h.rec.find(models.CodeLinkCheck) == nil {
		t.Fatal("no LinkCheck event")
	}
}

// silentLink drops link check answers once dropped is set
type silentLink struct {
	*simulated.Cooperative
	dropped bool
}

func (s *silentLink) LinkCheckResult() (session.LinkCheck, bool) {
	if s.dropped {
		return session.LinkCheck{}, false
	}
	return s.Cooperative.LinkCheckResult()
}

func TestLinkCheckNoResponseKeepsStaleValues(t *testing.T) {
	clk := clock.Fake(epoch)
	sim := &silentLink{Cooperative: simulated.NewCooperative(clk, simulated.Config{
		Restored:          true,
		LinkCheckResponds: true,
		Margin:            12,
		Gateways:          1,
		Script:            []simulated.Exchange{{Outcome: session.Acknowledged, Delay: time.Second}},
	})}
	rec := &recorder{}
	ctrl, err := New(Config{Region: lorawan.EU868, LinkCheckWindow: 3 * time.Second}, sim, clk, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := ctrl.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}

	first := ctrl.CollectDiagnostics(ctx)
	if !first.Responded {
		t.Fatal("first link check not answered")
	}

	sim.dropped = true
	before := clk.Now()
	rep := ctrl.CollectDiagnostics(ctx)
	if rep.Responded {
		t.Fatal("dropped link check reported a response")
	}
	if waited := clk.Now().Sub(before); waited != 3*time.Second {
		t.Fatalf("link check waited %v, want the 3s window", waited)
	}
	d := ctrl.LinkDiagnostics()
	if d.DemodMargin != 12 || d.GatewayCount != 1 || !d.LastLinkCheckTime.Equal(first.RequestedAt) {
		t.Fatalf("diagnostics = %+v, want the stale values kept", d)
	}
	if ev := rec.find(models.CodeLinkCheckNoResponse); ev == nil || ev.Level != models.EventLevelInfo {
		t.Fatalf("no response event = %+v", ev)
	}

	cycle, err := ctrl.RunCycle(ctx)
	if err != nil || cycle.Outcome != Acknowledged {
		t.Fatalf("cycle after silent link check = %v, %v", cycle.Outcome, err)
	}
}

func TestDownlinkDrainedAfterSend(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{
		Restored: true,
		Script: []simulated.Exchange{{
			Outcome:      session.NotAcknowledged,
			Delay:        time.Second,
			Downlink:     []byte{0xCA, 0xFE},
			DownlinkPort: 10,
		}},
	}, false)
	h.join(t)

	rep := h.cycle(t)
	if len(rep.Downlinks) != 1 {
		t.Fatalf("downlinks = %+v, want one", rep.Downlinks)
	}
	if dl := rep.Downlinks[0]; dl.Port != 10 || len(dl.Payload) != 2 || dl.Payload[0] != 0xCA {
		t.Fatalf("downlink = %+v", dl)
	}
	ev := h.rec.find(models.CodeDownlinkReceived)
	if ev == nil || ev.CycleID == nil || *ev.CycleID != rep.ID {
		t.Fatalf("downlink event = %+v", ev)
	}
}

func TestDrain(t *testing.T) {
	clk := clock.Fake(epoch)
	s := simulated.NewCooperative(clk, simulated.Config{Restored: true})
	buf := make([]byte, DownlinkBufferSize)

	if _, ok := Drain(s, buf); ok {
		t.Fatal("Drain with nothing pending returned a downlink")
	}

	s.QueueDownlink(3, []byte{1, 2, 3})
	dl, ok := Drain(s, buf)
	if !ok || dl.Port != 3 || len(dl.Payload) != 3 {
		t.Fatalf("Drain = %+v, %v", dl, ok)
	}
	buf[0] = 0xFF
	if dl.Payload[0] != 1 {
		t.Fatal("drained payload aliases the buffer")
	}
	if _, ok := Drain(s, buf); ok {
		t.Fatal("second Drain returned a downlink")
	}
}

func TestCountersInvariant(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 10 * time.Second}, simulated.Config{
		Restored:    true,
		AckRate:     0.5,
		AckDelay:    2 * time.Second,
		BusyPerSend: 2,
		Seed:        7,
	}, false)
	h.join(t)

	for i := 0; i < 40; i++ {
		h.cycle(t)
		c := h.ctrl.Counters()
		if c.ConfirmedAcks > c.ConfirmedAttempts {
			t.Fatalf("cycle %d: acks %d > attempts %d", i, c.ConfirmedAcks, c.ConfirmedAttempts)
		}
		if c.MessagesSent != uint32(i+1) {
			t.Fatalf("cycle %d: messages sent = %d", i, c.MessagesSent)
		}
	}
}

func TestDeliveryRatio(t *testing.T) {
	tests := []struct {
		attempts, acks uint32
		want           float64
	}{
		{0, 0, 0},
		{1, 1, 100},
		{2, 1, 50},
		{4, 3, 75},
		{3, 0, 0},
	}
	for _, tt := range tests {
		c := Counters{ConfirmedAttempts: tt.attempts, ConfirmedAcks: tt.acks}
		if got := c.DeliveryRatio(); got != tt.want {
			t.Errorf("DeliveryRatio(%d/%d) = %v, want %v", tt.acks, tt.attempts, got, tt.want)
		}
	}
}

func TestSessionParams(t *testing.T) {
	adr, dr, txp := true, 3, 5
	h := newHarness(t, Config{ADREnabled: &adr, DataRate: &dr, TxPower: &txp, ConfirmedRetries: 3},
		simulated.Config{Restored: true}, false)
	h.join(t)

	p, err := h.ctrl.SessionParams(context.Background())
	if err != nil {
		t.Fatalf("SessionParams: %v", err)
	}
	if p.DevAddr != "260B0001" || !p.ADREnabled || p.DataRate != 3 || p.TxPower != 5 {
		t.Fatalf("SessionParams = %+v", p)
	}
}

func TestNewRejectsUnsupportedMode(t *testing.T) {
	clk := clock.Fake(epoch)
	coop := simulated.NewCooperative(clk, simulated.Config{})

	if _, err := New(Config{Mode: ModePreemptive}, coop, clk, nil); err == nil {
		t.Fatal("New accepted preemptive mode for a cooperative session")
	}
	if _, err := New(Config{ConcurrentDiagnostics: true}, coop, clk, nil); err == nil {
		t.Fatal("New accepted concurrent diagnostics in cooperative mode")
	}
	if _, err := New(Config{MaxSendAttempts: -1}, coop, clk, nil); err == nil {
		t.Fatal("New accepted a negative send budget")
	}
}

func TestComposers(t *testing.T) {
	text, err := TextComposer{}.Compose(PayloadContext{Sequence: 1, DataRate: 0, TxPower: 0})
	if err != nil || string(text) != "Hello #1 DR:0 PWR:0" {
		t.Fatalf("TextComposer = %q, %v", text, err)
	}

	data, err := CBORComposer{}.Compose(PayloadContext{Sequence: 42, DataRate: 3, TxPower: 5})
	if err != nil {
		t.Fatalf("CBORComposer: %v", err)
	}
	got, err := DecodeCBORPayload(data)
	if err != nil {
		t.Fatalf("DecodeCBORPayload: %v", err)
	}
	if got.Sequence != 42 || got.DataRate != 3 || got.TxPower != 5 {
		t.Fatalf("decoded = %+v", got)
	}

	if _, err := NewComposer("xml"); err == nil {
		t.Fatal("NewComposer(xml) succeeded")
	}
}

func TestWorstCaseSize(t *testing.T) {
	n, err := WorstCaseSize(TextComposer{})
	if err != nil || n != len("Hello #4294967295 DR:15 PWR:15") {
		t.Fatalf("WorstCaseSize(text) = %d, %v", n, err)
	}
	n, err = WorstCaseSize(CBORComposer{})
	if err != nil || n == 0 || n > 24 {
		t.Fatalf("WorstCaseSize(cbor) = %d, %v", n, err)
	}
}
