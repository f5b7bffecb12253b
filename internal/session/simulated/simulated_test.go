package simulated

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func initialize(t *testing.T, s session.Session) {
	t.Helper()
	if err := s.Initialize(context.Background(), session.RadioConfig{}, lorawan.US915, session.JoinConfig{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestCooperativeNeedsProcess(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewCooperative(clk, Config{JoinDelay: time.Second})
	initialize(t, s)

	if err := s.BeginJoin(); err != nil {
		t.Fatalf("BeginJoin: %v", err)
	}
	clk.Sleep(2 * time.Second)
	if s.IsJoined() {
		t.Fatal("joined without Process")
	}
	s.Process()
	if !s.IsJoined() {
		t.Fatal("not joined after Process past the join delay")
	}
	if s.ProcessCalls() != 1 {
		t.Fatalf("ProcessCalls() = %d, want 1", s.ProcessCalls())
	}
}

func TestRestoredSessionIsJoined(t *testing.T) {
	s := NewCooperative(clock.Fake(epoch), Config{Restored: true})
	initialize(t, s)
	if !s.IsJoined() {
		t.Fatal("restored session not joined after Initialize")
	}
}

func TestInitializeFail(t *testing.T) {
	s := NewCooperative(clock.Fake(epoch), Config{InitializeFail: true})
	err := s.Initialize(context.Background(), session.RadioConfig{}, lorawan.US915, session.JoinConfig{})
	if err == nil {
		t.Fatal("Initialize succeeded, want error")
	}
}

func TestScriptedBusyThenAck(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewCooperative(clk, Config{
		Restored: true,
		Script: []Exchange{{
			Busy:         2,
			Outcome:      session.Acknowledged,
			Delay:        2 * time.Second,
			Downlink:     []byte{0xAA},
			DownlinkPort: 10,
		}},
	})
	initialize(t, s)

	for i := 0; i < 2; i++ {
		if got := s.SendConfirmed([]byte("x"), 2); got != session.Busy {
			t.Fatalf("send %d = %v, want busy", i, got)
		}
	}
	if got := s.SendConfirmed([]byte("x"), 2); got != session.Accepted {
		t.Fatalf("third send = %v, want accepted", got)
	}
	if !s.SendInProgress() {
		t.Fatal("SendInProgress() = false after acceptance")
	}
	if got := s.SendConfirmed([]byte("x"), 2); got != session.Busy {
		t.Fatalf("send while in progress = %v, want busy", got)
	}

	clk.Sleep(2 * time.Second)
	s.Process()
	if got := s.LastConfirmedOutcome(); got != session.Acknowledged {
		t.Fatalf("LastConfirmedOutcome() = %v, want acknowledged", got)
	}

	buf := make([]byte, 242)
	n, port, ok := s.Receive(buf)
	if !ok || n != 1 || port != 10 || buf[0] != 0xAA {
		t.Fatalf("Receive = %d, %d, %v", n, port, ok)
	}
	if _, _, ok := s.Receive(buf); ok {
		t.Fatal("second Receive returned a downlink")
	}
}

func TestSendRejectedBeforeJoin(t *testing.T) {
	s := NewCooperative(clock.Fake(epoch), Config{})
	initialize(t, s)
	if got := s.SendConfirmed([]byte("x"), 1); got != session.Rejected {
		t.Fatalf("SendConfirmed before join = %v, want rejected", got)
	}
}

func TestSendRejectedOversized(t *testing.T) {
	s := NewCooperative(clock.Fake(epoch), Config{Restored: true})
	initialize(t, s)
	// US915 DR0 carries 11 bytes
	if got := s.SendConfirmed(make([]byte, 12), 1); got != session.Rejected {
		t.Fatalf("SendConfirmed(12 bytes) = %v, want rejected", got)
	}
}

func TestLinkCheck(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewCooperative(clk, Config{Restored: true, LinkCheckResponds: true, Margin: 18, Gateways: 2})
	initialize(t, s)

	if err := s.RequestLinkCheck(); err != nil {
		t.Fatalf("RequestLinkCheck: %v", err)
	}
	if _, ok := s.LinkCheckResult(); ok {
		t.Fatal("result available before the answer arrived")
	}
	clk.Sleep(time.Second)
	s.Process()

	lc, ok := s.LinkCheckResult()
	if !ok {
		t.Fatal("no link check result")
	}
	if lc.Margin != 18 || lc.Gateways != 2 {
		t.Fatalf("LinkCheckResult() = %+v, want margin 18 gateways 2", lc)
	}
}

func TestLinkCheckDropped(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewCooperative(clk, Config{Restored: true})
	initialize(t, s)

	if err := s.RequestLinkCheck(); err != nil {
		t.Fatalf("RequestLinkCheck: %v", err)
	}
	clk.Sleep(10 * time.Second)
	s.Process()
	if _, ok := s.LinkCheckResult(); ok {
		t.Fatal("dropped link check produced a result")
	}
}

func TestPreemptiveJoinBlocking(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewPreemptive(clk, Config{JoinDelay: 8 * time.Second})
	initialize(t, s)

	if err := s.JoinBlocking(context.Background(), time.Minute); err != nil {
		t.Fatalf("JoinBlocking: %v", err)
	}
	if got := clk.Slept(); got != 8*time.Second {
		t.Fatalf("slept %v, want 8s", got)
	}
}

func TestPreemptiveJoinTimeout(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewPreemptive(clk, Config{JoinFails: true})
	initialize(t, s)

	if err := s.JoinBlocking(context.Background(), time.Minute); err != session.ErrJoinTimeout {
		t.Fatalf("JoinBlocking = %v, want ErrJoinTimeout", err)
	}
	if got := clk.Slept(); got != time.Minute {
		t.Fatalf("slept %v, want 1m", got)
	}
}

func TestPreemptiveSendConfirmedWait(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewPreemptive(clk, Config{
		Restored: true,
		Script: []Exchange{
			{Outcome: session.Acknowledged, Delay: 5 * time.Second},
			{Outcome: session.NotAcknowledged, Delay: 5 * time.Second},
			{Outcome: session.Acknowledged, Delay: 2 * time.Minute},
			{Outcome: session.NotAcknowledged, Code: -7},
			{Busy: 1},
		},
	})
	initialize(t, s)
	ctx := context.Background()

	tests := []session.WaitStatus{
		session.WaitAcknowledged,
		session.WaitNotAcknowledged,
		session.WaitTimedOut,
		session.WaitAmbiguous,
		session.WaitBusy,
	}
	for i, want := range tests {
		if i == 3 {
			// let the stuck send from the previous exchange finish
			clk.Sleep(2 * time.Minute)
		}
		got := s.SendConfirmedWait(ctx, []byte("x"), 1, 90*time.Second)
		if got.Status != want {
			t.Fatalf("exchange %d: status = %v (code %d), want %v", i, got.Status, got.Code, want)
		}
	}
}

func TestNetworkHandleUplink(t *testing.T) {
	req := []byte{lorawan.LinkCheckReq}

	n := NewNetwork(true, 7, 1)
	down, err := n.HandleUplink(lorawan.DevAddr{}, req)
	if err != nil {
		t.Fatalf("HandleUplink: %v", err)
	}
	if want := []byte{lorawan.LinkCheckAns, 7, 1}; !bytes.Equal(down, want) {
		t.Fatalf("HandleUplink = % x, want % x", down, want)
	}

	silent := NewNetwork(false, 0, 0)
	down, err = silent.HandleUplink(lorawan.DevAddr{}, req)
	if err != nil || len(down) != 0 {
		t.Fatalf("HandleUplink with responses disabled = % x, %v", down, err)
	}

	// DevStatusAns is consumed without an answer
	down, err = n.HandleUplink(lorawan.DevAddr{}, []byte{lorawan.DevStatusAns, 200, 0x05})
	if err != nil || len(down) != 0 {
		t.Fatalf("HandleUplink(DevStatusAns) = % x, %v", down, err)
	}

	if _, err := n.HandleUplink(lorawan.DevAddr{}, []byte{lorawan.DevStatusAns, 200}); err == nil {
		t.Fatal("HandleUplink with truncated DevStatusAns succeeded")
	}
}
