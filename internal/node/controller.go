// Package node implements the device-side policy layer: joining the
// network, the periodic confirmed-uplink cycle, link diagnostics and
// downlink draining. The radio/MAC stack is reached through a
// session.Session.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/clock"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var (
	ErrJoinTimeout = errors.New("join timed out")
	ErrInitialize  = errors.New("session initialize failed")
	ErrNotJoined   = errors.New("not joined")
)

// Reporter receives the events the controller emits
type Reporter interface {
	Publish(ctx context.Context, event *models.EventLog) error
}

// Config holds the controller policy
type Config struct {
	Region lorawan.Region
	Radio  session.RadioConfig
	Join   session.JoinConfig

	JoinTimeout time.Duration
	JoinSettle  time.Duration

	Interval          time.Duration
	Port              uint8
	MaxSendAttempts   int
	SendRetryInterval time.Duration
	AckTimeout        time.Duration
	Settle            time.Duration
	PollInterval      time.Duration

	// Applied to the session before joining when set
	ConfirmedRetries int
	ADREnabled       *bool
	DataRate         *int
	TxPower          *int

	LinkCheckInterval     time.Duration
	LinkCheckWindow       time.Duration
	ConcurrentDiagnostics bool

	Mode     Mode
	Composer Composer
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = lorawan.US915
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 60 * time.Second
	}
	if c.JoinSettle == 0 {
		c.JoinSettle = 15 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Port == 0 {
		c.Port = 2
	}
	if c.MaxSendAttempts == 0 {
		c.MaxSendAttempts = 200
	}
	if c.SendRetryInterval == 0 {
		c.SendRetryInterval = 100 * time.Millisecond
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.Settle == 0 {
		c.Settle = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.LinkCheckInterval == 0 {
		c.LinkCheckInterval = 300 * time.Second
	}
	if c.LinkCheckWindow == 0 {
		c.LinkCheckWindow = 3 * time.Second
	}
	if c.Composer == nil {
		c.Composer = TextComposer{}
	}
	return c
}

// WorstCaseCycle is the longest one uplink cycle can take: a full busy
// retry budget, the whole ack window and the post-ack settle. Without
// concurrent diagnostics a link check window can follow before the next
// cycle is considered.
func (c Config) WorstCaseCycle() time.Duration {
	d := time.Duration(c.MaxSendAttempts)*c.SendRetryInterval + c.AckTimeout + c.Settle
	if !c.ConcurrentDiagnostics {
		d += c.LinkCheckWindow
	}
	return d
}

// Controller owns one session and all node state
type Controller struct {
	cfg      Config
	clk      clock.Clock
	sess     *session.Guarded
	blocking session.Blocking
	pacer    pacer
	reporter Reporter
	devEUI   string

	// held for the duration of a cycle
	cycleMu sync.Mutex
	// held while a link check is in flight
	diagMu sync.Mutex

	mu            sync.RWMutex
	joinState     JoinState
	cycleState    CycleState
	counters      Counters
	diag          LinkDiagnostics
	timers        IntervalTimers
	lastCycle     *CycleReport
	lastLinkCheck *LinkCheckReport
}

// New creates a controller for s. The wait strategy follows cfg.Mode, or
// the capabilities of s when the mode is left empty.
func New(cfg Config, s session.Session, clk clock.Clock, reporter Reporter) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxSendAttempts < 1 {
		return nil, fmt.Errorf("max send attempts must be at least 1, got %d", cfg.MaxSendAttempts)
	}
	if clk == nil {
		clk = clock.Real()
	}

	g := session.Guard(s)
	c := &Controller{
		cfg:      cfg,
		clk:      clk,
		sess:     g,
		reporter: reporter,
		devEUI:   cfg.Join.DevEUI.String(),
	}

	proc, coop := g.Processor()
	blk, pre := g.Blocking()
	switch {
	case cfg.Mode == ModeCooperative && !coop:
		return nil, fmt.Errorf("session does not support cooperative mode")
	case cfg.Mode == ModePreemptive && !pre:
		return nil, fmt.Errorf("session does not support preemptive mode")
	case cfg.Mode == ModeCooperative || (cfg.Mode == ModeAuto && coop):
		c.pacer = &cooperativePacer{clk: clk, proc: proc, poll: cfg.PollInterval}
	case cfg.Mode == ModePreemptive || (cfg.Mode == ModeAuto && pre):
		c.pacer = &preemptivePacer{clk: clk}
		c.blocking = blk
	default:
		return nil, fmt.Errorf("session supports neither cooperative nor preemptive operation")
	}

	if cfg.ConcurrentDiagnostics && c.pacer.mode() != ModePreemptive {
		return nil, fmt.Errorf("concurrent diagnostics require preemptive mode")
	}

	// the period is measured from cycle start, so an overrun starts the
	// next cycle at once without queueing missed ones
	if worst := cfg.WorstCaseCycle(); worst > cfg.Interval {
		log.Warn().
			Dur("worstCase", worst).
			Dur("interval", cfg.Interval).
			Msg("Worst-case cycle exceeds the uplink interval")
	}

	return c, nil
}

// Mode returns the wait strategy in use
func (c *Controller) Mode() Mode { return c.pacer.mode() }

// Session returns the guarded session shared by the controller
func (c *Controller) Session() *session.Guarded { return c.sess }

// Run initializes the session, joins and then runs uplink cycles and link
// checks until ctx is cancelled. It returns an error only for fatal
// conditions: initialize failure and join timeout. A concurrent link
// check has finished by the time Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	if _, err := c.Join(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if c.cfg.ConcurrentDiagnostics {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runDiagnostics(ctx)
		}()
	}

	for ctx.Err() == nil {
		now := c.clk.Now()

		if c.Due(now) {
			if _, err := c.RunCycle(ctx); err != nil {
				return err
			}
			continue
		}
		if !c.cfg.ConcurrentDiagnostics && c.LinkCheckDue(now) {
			c.CollectDiagnostics(ctx)
			continue
		}

		c.pacer.idle(ctx, c.nextWake(), c.idleDrain(ctx))
	}

	log.Info().Str("devEUI", c.devEUI).Msg("Controller stopped")
	return nil
}

func (c *Controller) runDiagnostics(ctx context.Context) {
	for ctx.Err() == nil {
		if c.LinkCheckDue(c.clk.Now()) {
			c.CollectDiagnostics(ctx)
			continue
		}
		c.mu.RLock()
		next := c.timers.LastLinkCheckTime.Add(c.cfg.LinkCheckInterval)
		c.mu.RUnlock()
		c.pacer.idle(ctx, next, nil)
	}
}

// Due reports whether an uplink cycle should start at now. The first
// cycle after join is due immediately.
func (c *Controller) Due(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last := c.timers.LastUplinkTime
	return last.IsZero() || now.Sub(last) >= c.cfg.Interval
}

// LinkCheckDue reports whether a link check should be issued at now
func (c *Controller) LinkCheckDue(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.timers.LastLinkCheckTime) >= c.cfg.LinkCheckInterval
}

func (c *Controller) nextWake() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	next := c.timers.LastUplinkTime.Add(c.cfg.Interval)
	if !c.cfg.ConcurrentDiagnostics {
		if lc := c.timers.LastLinkCheckTime.Add(c.cfg.LinkCheckInterval); lc.Before(next) {
			next = lc
		}
	}
	return next
}

func (c *Controller) idleDrain(ctx context.Context) func() {
	buf := make([]byte, DownlinkBufferSize)
	return func() {
		c.drainAll(ctx, buf, nil)
	}
}

// Initialize brings up the session and applies the configured radio
// parameters. A failure is fatal.
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.sess.Initialize(ctx, c.cfg.Radio, c.cfg.Region, c.cfg.Join); err != nil {
		c.setJoinState(JoinFailed)
		ev := c.event(models.EventTypeError, models.EventLevelFatal, models.CodeInitializeFailed, "Session initialize failed")
		ev.Details["error"] = err.Error()
		c.publish(ctx, ev)
		return fmt.Errorf("%w: %v", ErrInitialize, err)
	}

	log.Info().
		Str("devEUI", c.devEUI).
		Str("region", string(c.cfg.Region)).
		Str("mode", string(c.pacer.mode())).
		Msg("Session initialized")

	c.applySessionParams()
	return nil
}

func (c *Controller) applySessionParams() {
	if c.cfg.ConfirmedRetries > 0 {
		if err := c.sess.SetConfirmedRetryCount(c.cfg.ConfirmedRetries); err != nil {
			log.Warn().Err(err).Int("retries", c.cfg.ConfirmedRetries).Msg("Failed to set confirmed retry count")
		}
	}
	if c.cfg.ADREnabled != nil {
		if err := c.sess.SetADREnabled(*c.cfg.ADREnabled); err != nil {
			log.Warn().Err(err).Bool("adr", *c.cfg.ADREnabled).Msg("Failed to set ADR")
		}
	}
	if c.cfg.DataRate != nil {
		if err := c.sess.SetDataRate(*c.cfg.DataRate); err != nil {
			log.Warn().Err(err).Int("dr", *c.cfg.DataRate).Msg("Failed to set data rate")
		}
	}
	if c.cfg.TxPower != nil {
		if err := c.sess.SetTxPower(*c.cfg.TxPower); err != nil {
			log.Warn().Err(err).Int("txPower", *c.cfg.TxPower).Msg("Failed to set TX power")
		}
	}
}

// SessionParams is a snapshot of the session's radio parameters
type SessionParams struct {
	DevAddr    string `json:"devAddr"`
	ADREnabled bool   `json:"adrEnabled"`
	DataRate   int    `json:"dataRate"`
	TxPower    int    `json:"txPower"`
}

// SessionParams reads the current radio parameters from the session.
// Parameters that cannot be read are left zero and reported in the
// returned error.
func (c *Controller) SessionParams(ctx context.Context) (SessionParams, error) {
	var p SessionParams
	var errs []error

	err := c.sess.Do(ctx, func(s session.Session) error {
		if addr, err := s.DevAddr(); err != nil {
			errs = append(errs, fmt.Errorf("devaddr: %w", err))
		} else {
			p.DevAddr = addr.String()
		}
		if adr, err := s.ADREnabled(); err != nil {
			errs = append(errs, fmt.Errorf("adr: %w", err))
		} else {
			p.ADREnabled = adr
		}
		if dr, err := s.DataRate(); err != nil {
			errs = append(errs, fmt.Errorf("data rate: %w", err))
		} else {
			p.DataRate = dr
		}
		if txp, err := s.TxPower(); err != nil {
			errs = append(errs, fmt.Errorf("tx power: %w", err))
		} else {
			p.TxPower = txp
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	return p, errors.Join(errs...)
}

// Status is a point-in-time view of the controller
type Status struct {
	DevEUI        string           `json:"devEUI"`
	Mode          Mode             `json:"mode"`
	JoinState     JoinState        `json:"joinState"`
	CycleState    CycleState       `json:"cycleState"`
	Counters      Counters         `json:"counters"`
	DeliveryRatio float64          `json:"deliveryRatio"`
	Link          LinkDiagnostics  `json:"link"`
	Timers        IntervalTimers   `json:"timers"`
	Interval      time.Duration    `json:"interval"`
	LastCycle     *CycleReport     `json:"lastCycle,omitempty"`
	LastLinkCheck *LinkCheckReport `json:"lastLinkCheck,omitempty"`
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		DevEUI:        c.devEUI,
		Mode:          c.pacer.mode(),
		JoinState:     c.joinState,
		CycleState:    c.cycleState,
		Counters:      c.counters,
		DeliveryRatio: c.counters.DeliveryRatio(),
		Link:          c.diag,
		Timers:        c.timers,
		Interval:      c.cfg.Interval,
	}
	if c.lastCycle != nil {
		rep := *c.lastCycle
		st.LastCycle = &rep
	}
	if c.lastLinkCheck != nil {
		rep := *c.lastLinkCheck
		st.LastLinkCheck = &rep
	}
	return st
}

// Counters returns the delivery counters
func (c *Controller) Counters() Counters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters
}

func (c *Controller) setJoinState(s JoinState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinState = s
}

func (c *Controller) setCycleState(s CycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycleState = s
}

func (c *Controller) event(typ models.EventType, level models.EventLevel, code models.EventCode, description string) *models.EventLog {
	ev := models.NewEventLog(c.devEUI, typ, level, code, description)
	ev.CreatedAt = c.clk.Now().UTC()
	return ev
}

func (c *Controller) publish(ctx context.Context, ev *models.EventLog) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("code", string(ev.Code)).Msg("Failed to publish event")
	}
}
