package atmodem

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// RUI3 AT+BAND indexes
var bandIndex = map[lorawan.Region]int{
	lorawan.CN470: 1,
	lorawan.EU868: 4,
	lorawan.US915: 5,
	lorawan.AU915: 6,
}

type state struct {
	mu           sync.Mutex
	joined       bool
	joinFailures int
	inProgress   bool
	last         session.ConfirmStatus
	downlinks    []event
	linkCheck    session.LinkCheck
	hasLinkCheck bool
}

func (m *Modem) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.kind {
	case evJoined:
		m.joined = true
		log.Info().Msg("Modem joined network")
	case evJoinFailed:
		m.joinFailures++
		log.Warn().Str("event", ev.raw).Int("failures", m.joinFailures).Msg("Modem join attempt failed")
	case evConfirmOK:
		m.inProgress = false
		m.last = session.Acknowledged
	case evConfirmFailed:
		m.inProgress = false
		m.last = session.NotAcknowledged
	case evDownlink:
		m.downlinks = append(m.downlinks, ev)
	case evLinkCheck:
		if ev.linkOK {
			m.linkCheck = ev.linkCheck
			m.hasLinkCheck = true
		}
	}
}

// Process applies every queued modem event. State reads call it first,
// so a preemptive caller that never drives Process still sees events that
// arrived between blocking calls.
func (m *Modem) Process() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

// wait applies events until done reports true or the timeout elapses
func (m *Modem) wait(ctx context.Context, timeout time.Duration, done func() bool) bool {
	m.Process()
	if done() {
		return true
	}
	deadline := m.clk.After(timeout)
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
			if done() {
				return true
			}
		case <-deadline:
			m.Process()
			return done()
		case <-ctx.Done():
			return false
		case <-m.done:
			return false
		}
	}
}

func (m *Modem) Initialize(_ context.Context, _ session.RadioConfig, region lorawan.Region, join session.JoinConfig) error {
	band, ok := bandIndex[region]
	if !ok {
		return fmt.Errorf("region %s not supported by modem", region)
	}

	cmds := []string{
		"AT",
		"AT+NWM=1",
		"AT+NJM=1",
		"AT+CFM=1",
		fmt.Sprintf("AT+BAND=%d", band),
		"AT+DEVEUI=" + strings.ToUpper(join.DevEUI.String()),
		"AT+APPEUI=" + strings.ToUpper(join.JoinEUI.String()),
		"AT+APPKEY=" + strings.ToUpper(join.AppKey.String()),
	}
	if region == lorawan.US915 || region == lorawan.AU915 {
		if bits := join.ChannelMask.SubBandBits(); bits != 0 {
			cmds = append(cmds, fmt.Sprintf("AT+MASK=%04X", bits))
		}
	}
	for _, cmd := range cmds {
		if _, err := m.exec(cmd); err != nil {
			return fmt.Errorf("initialize modem: %w", err)
		}
	}

	status, err := m.query("AT+NJS")
	if err != nil {
		return fmt.Errorf("query join status: %w", err)
	}

	m.mu.Lock()
	m.joined = status == "1"
	m.mu.Unlock()

	log.Info().
		Str("region", string(region)).
		Int("band", band).
		Bool("restored", status == "1").
		Msg("Modem initialized")
	return nil
}

func (m *Modem) BeginJoin() error {
	if _, err := m.exec("AT+JOIN=1:0:10:8"); err != nil {
		return fmt.Errorf("start join: %w", err)
	}
	return nil
}

func (m *Modem) IsJoined() bool {
	m.Process()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *Modem) SendConfirmed(payload []byte, port uint8) session.SendStatus {
	m.Process()
	m.mu.Lock()
	joined, busy := m.joined, m.inProgress
	m.mu.Unlock()

	if !joined {
		return session.Rejected
	}
	if busy {
		return session.Busy
	}

	_, err := m.exec(fmt.Sprintf("AT+SEND=%d:%s", port, strings.ToUpper(hex.EncodeToString(payload))))
	switch {
	case err == nil:
		m.mu.Lock()
		m.inProgress = true
		m.mu.Unlock()
		return session.Accepted
	case errors.Is(err, session.ErrBusy):
		return session.Busy
	default:
		log.Warn().Err(err).Uint8("port", port).Msg("Modem rejected send")
		return session.Rejected
	}
}

func (m *Modem) ResetConfirmedStatus() {
	m.Process()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = session.Unknown
}

func (m *Modem) LastConfirmedOutcome() session.ConfirmStatus {
	m.Process()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Modem) SendInProgress() bool {
	m.Process()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

func (m *Modem) Receive(buf []byte) (int, uint8, bool) {
	m.Process()
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.downlinks) == 0 {
		return 0, 0, false
	}
	ev := m.downlinks[0]
	m.downlinks = m.downlinks[1:]
	return copy(buf, ev.payload), ev.port, true
}

func (m *Modem) RequestLinkCheck() error {
	m.mu.Lock()
	m.hasLinkCheck = false
	m.mu.Unlock()

	if _, err := m.exec("AT+LINKCHECK=1"); err != nil {
		return fmt.Errorf("request link check: %w", err)
	}
	return nil
}

func (m *Modem) LinkCheckResult() (session.LinkCheck, bool) {
	m.Process()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkCheck, m.hasLinkCheck
}

func (m *Modem) DevAddr() (lorawan.DevAddr, error) {
	v, err := m.query("AT+DEVADDR")
	if err != nil {
		return lorawan.DevAddr{}, err
	}
	return lorawan.ParseDevAddr(v)
}

func (m *Modem) ADREnabled() (bool, error) {
	v, err := m.query("AT+ADR")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (m *Modem) SetADREnabled(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := m.exec(fmt.Sprintf("AT+ADR=%d", v))
	return err
}

func (m *Modem) queryInt(name string) (int, error) {
	v, err := m.query(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func (m *Modem) DataRate() (int, error) {
	return m.queryInt("AT+DR")
}

func (m *Modem) SetDataRate(dr int) error {
	_, err := m.exec(fmt.Sprintf("AT+DR=%d", dr))
	return err
}

func (m *Modem) TxPower() (int, error) {
	return m.queryInt("AT+TXP")
}

func (m *Modem) SetTxPower(power int) error {
	_, err := m.exec(fmt.Sprintf("AT+TXP=%d", power))
	return err
}

func (m *Modem) SetConfirmedRetryCount(n int) error {
	_, err := m.exec(fmt.Sprintf("AT+RETY=%d", n))
	return err
}

// JoinBlocking starts a join and waits for +EVT:JOINED
func (m *Modem) JoinBlocking(ctx context.Context, timeout time.Duration) error {
	if err := m.BeginJoin(); err != nil {
		return err
	}
	if !m.wait(ctx, timeout, m.IsJoined) {
		return session.ErrJoinTimeout
	}
	return nil
}

// SendConfirmedWait sends a confirmed uplink and waits for its
// confirmation event.
func (m *Modem) SendConfirmedWait(ctx context.Context, payload []byte, port uint8, timeout time.Duration) session.WaitResult {
	switch m.SendConfirmed(payload, port) {
	case session.Busy:
		return session.WaitResultFromCode(session.CodeBusy)
	case session.Rejected:
		return session.WaitResultFromCode(session.CodeRejected)
	}

	if !m.wait(ctx, timeout, func() bool { return !m.SendInProgress() }) {
		return session.WaitResultFromCode(session.CodeTimedOut)
	}
	if m.LastConfirmedOutcome() == session.Acknowledged {
		return session.WaitResultFromCode(session.CodeAcknowledged)
	}
	return session.WaitResultFromCode(session.CodeNotAcknowledged)
}
