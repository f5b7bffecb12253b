// Package simulated provides an in-memory LoRaWAN session driven by a
// clock. It comes in the two shapes the controller supports: Cooperative
// advances only when Process is called, Preemptive advances on every
// call and offers blocking join and send.
package simulated

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Exchange scripts one confirmed uplink
type Exchange struct {
	// Busy is the number of Busy answers before the send is accepted.
	Busy   int
	Reject bool
	// Outcome is the terminal confirmation; Unknown picks one at random
	// using Config.AckRate.
	Outcome session.ConfirmStatus
	// Delay from acceptance to the terminal event; zero uses Config.AckDelay.
	Delay        time.Duration
	Downlink     []byte
	DownlinkPort uint8
	// Code overrides the result code a blocking send returns.
	Code int
}

// Config tunes a simulated session
type Config struct {
	JoinDelay      time.Duration
	JoinFails      bool
	Restored       bool
	InitializeFail bool
	DevAddr        lorawan.DevAddr

	AckRate      float64
	AckDelay     time.Duration
	BusyPerSend  int
	DownlinkRate float64
	DownlinkPort uint8

	LinkCheckResponds bool
	LinkCheckDelay    time.Duration
	Margin            uint8
	Gateways          uint8

	Seed   int64
	Script []Exchange
}

type downlink struct {
	port    uint8
	payload []byte
}

// Device is the state shared by both session shapes
type Device struct {
	mu   sync.Mutex
	clk  clock.Clock
	cfg  Config
	net  *Network
	rng  *rand.Rand
	auto bool

	region      *lorawan.RegionConfiguration
	initialized bool

	joinStarted bool
	joinAt      time.Time
	joined      bool

	adr     bool
	dr      int
	txPower int
	retries int

	exchanges  int
	current    *Exchange
	busyLeft   int
	inProgress bool
	resolveAt  time.Time
	pending    Exchange
	last       session.ConfirmStatus
	downlinks  []downlink

	pendingMAC   []lorawan.MACCommand
	linkCheckAt  time.Time
	linkCheck    session.LinkCheck
	hasLinkCheck bool

	sendCalls    int
	processCalls int
	linkChecks   int
}

func newDevice(clk clock.Clock, cfg Config, auto bool) *Device {
	if cfg.JoinDelay == 0 {
		cfg.JoinDelay = 5 * time.Second
	}
	if cfg.AckDelay == 0 {
		cfg.AckDelay = 3 * time.Second
	}
	if cfg.LinkCheckDelay == 0 {
		cfg.LinkCheckDelay = time.Second
	}
	if cfg.DevAddr == (lorawan.DevAddr{}) {
		cfg.DevAddr = lorawan.DevAddrFromUint32(0x260B0001)
	}
	return &Device{
		clk:     clk,
		cfg:     cfg,
		net:     NewNetwork(cfg.LinkCheckResponds, cfg.Margin, cfg.Gateways),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		auto:    auto,
		retries: 1,
	}
}

// tick runs the stack's own processing in preemptive mode. Must hold mu.
func (d *Device) tick() {
	if d.auto {
		d.advance()
	}
}

// advance resolves every timed event that is due. Must hold mu.
func (d *Device) advance() {
	now := d.clk.Now()

	if d.joinStarted && !d.joined && !d.cfg.JoinFails && !now.Before(d.joinAt) {
		d.joined = true
		log.Debug().Str("devAddr", d.cfg.DevAddr.String()).Msg("Simulated join accepted")
	}

	if d.inProgress && !now.Before(d.resolveAt) {
		d.inProgress = false
		d.last = d.pending.Outcome
		if d.pending.Downlink != nil {
			d.downlinks = append(d.downlinks, downlink{port: d.pending.DownlinkPort, payload: d.pending.Downlink})
		}
	}

	if len(d.pendingMAC) > 0 && !now.Before(d.linkCheckAt) {
		d.exchangeMAC()
		d.pendingMAC = nil
	}
}

// exchangeMAC sends the queued MAC commands to the network as uplink
// FOpts and applies the answers as the device would receive them.
func (d *Device) exchangeMAC() {
	up, err := lorawan.EncodeMACCommands(lorawan.Uplink, d.pendingMAC)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping MAC uplink")
		return
	}
	down, err := d.net.HandleUplink(d.cfg.DevAddr, up)
	if err != nil {
		log.Warn().Err(err).Msg("Network rejected MAC uplink")
		return
	}
	commands, err := lorawan.ParseMACCommands(lorawan.Downlink, down)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed MAC downlink")
		return
	}
	for _, cmd := range commands {
		if cmd.CID != lorawan.LinkCheckAns {
			continue
		}
		var ans lorawan.LinkCheckAnsPayload
		if err := ans.UnmarshalBinary(cmd.Payload); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed LinkCheckAns")
			continue
		}
		d.linkCheck = session.LinkCheck{Margin: ans.Margin, Gateways: ans.GwCnt}
		d.hasLinkCheck = true
	}
}

// nextExchange returns the script entry for the next send, or a random
// one once the script is exhausted.
func (d *Device) nextExchange() *Exchange {
	var ex Exchange
	if d.exchanges < len(d.cfg.Script) {
		ex = d.cfg.Script[d.exchanges]
	} else {
		ex.Busy = d.cfg.BusyPerSend
		if d.cfg.DownlinkRate > 0 && d.rng.Float64() < d.cfg.DownlinkRate {
			ex.Downlink = []byte{0x01, byte(d.exchanges)}
			ex.DownlinkPort = d.cfg.DownlinkPort
		}
	}
	d.exchanges++

	if ex.Outcome == session.Unknown {
		ex.Outcome = session.NotAcknowledged
		if d.rng.Float64() < d.cfg.AckRate {
			ex.Outcome = session.Acknowledged
		}
	}
	if ex.Delay == 0 {
		ex.Delay = d.cfg.AckDelay
	}
	return &ex
}

func (d *Device) Initialize(_ context.Context, _ session.RadioConfig, region lorawan.Region, join session.JoinConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.InitializeFail {
		return fmt.Errorf("simulated radio did not respond")
	}
	d.region = region.Configuration()
	d.initialized = true
	d.joined = d.cfg.Restored

	log.Debug().
		Str("region", string(region)).
		Str("devEUI", join.DevEUI.String()).
		Bool("restored", d.cfg.Restored).
		Msg("Simulated session initialized")
	return nil
}

func (d *Device) BeginJoin() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return fmt.Errorf("session not initialized")
	}
	if d.joinStarted {
		return nil
	}
	d.joinStarted = true
	d.joinAt = d.clk.Now().Add(d.cfg.JoinDelay)
	return nil
}

func (d *Device) IsJoined() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	return d.joined
}

func (d *Device) SendConfirmed(payload []byte, port uint8) session.SendStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	d.sendCalls++

	if !d.joined {
		return session.Rejected
	}
	if d.inProgress {
		return session.Busy
	}
	if limit, err := d.region.MaxPayloadSize(d.dr); err == nil && len(payload) > limit {
		return session.Rejected
	}
	if d.current == nil {
		d.current = d.nextExchange()
		d.busyLeft = d.current.Busy
	}
	if d.busyLeft > 0 {
		d.busyLeft--
		return session.Busy
	}

	ex := d.current
	d.current = nil
	if ex.Reject {
		return session.Rejected
	}

	d.inProgress = true
	d.pending = *ex
	d.resolveAt = d.clk.Now().Add(ex.Delay)
	log.Debug().
		Uint8("port", port).
		Int("size", len(payload)).
		Msg("Simulated confirmed uplink accepted")
	return session.Accepted
}

func (d *Device) ResetConfirmedStatus() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = session.Unknown
}

func (d *Device) LastConfirmedOutcome() session.ConfirmStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	return d.last
}

func (d *Device) SendInProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	return d.inProgress
}

func (d *Device) Receive(buf []byte) (int, uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if len(d.downlinks) == 0 {
		return 0, 0, false
	}
	dl := d.downlinks[0]
	d.downlinks = d.downlinks[1:]
	return copy(buf, dl.payload), dl.port, true
}

func (d *Device) RequestLinkCheck() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if !d.joined {
		return session.ErrNotJoined
	}
	d.linkChecks++
	d.hasLinkCheck = false
	d.pendingMAC = append(d.pendingMAC, lorawan.MACCommand{CID: lorawan.LinkCheckReq})
	d.linkCheckAt = d.clk.Now().Add(d.cfg.LinkCheckDelay)
	return nil
}

func (d *Device) LinkCheckResult() (session.LinkCheck, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	return d.linkCheck, d.hasLinkCheck
}

func (d *Device) DevAddr() (lorawan.DevAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
	if !d.joined {
		return lorawan.DevAddr{}, session.ErrNotJoined
	}
	return d.cfg.DevAddr, nil
}

func (d *Device) ADREnabled() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adr, nil
}

func (d *Device) SetADREnabled(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adr = enabled
	return nil
}

func (d *Device) DataRate() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dr, nil
}

func (d *Device) SetDataRate(dr int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.region == nil {
		return fmt.Errorf("session not initialized")
	}
	if _, err := d.region.DataRate(dr); err != nil {
		return err
	}
	d.dr = dr
	return nil
}

func (d *Device) TxPower() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txPower, nil
}

func (d *Device) SetTxPower(power int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if power < 0 || power > 15 {
		return fmt.Errorf("tx power index %d out of range 0-15", power)
	}
	d.txPower = power
	return nil
}

func (d *Device) SetConfirmedRetryCount(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > 15 {
		return fmt.Errorf("retry count %d out of range 1-15", n)
	}
	d.retries = n
	return nil
}

// SendCalls returns how many times SendConfirmed was called
func (d *Device) SendCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendCalls
}

// ProcessCalls returns how many times the stack was driven by Process
func (d *Device) ProcessCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processCalls
}

// LinkCheckRequests returns how many link checks were requested
func (d *Device) LinkCheckRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linkChecks
}

// QueueDownlink makes a downlink available to the next Receive
func (d *Device) QueueDownlink(port uint8, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downlinks = append(d.downlinks, downlink{port: port, payload: payload})
}
