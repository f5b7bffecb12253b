package node

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/retry"
	"github.com/lorawan-server/lorawan-node/internal/session"
)

// maxDrainPerPoint bounds how many downlinks one drain point retrieves
const maxDrainPerPoint = 8

// CycleReport describes one uplink cycle
type CycleReport struct {
	ID         uuid.UUID         `json:"id"`
	Sequence   uint32            `json:"sequence"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Port       uint8             `json:"port"`
	Size       int               `json:"size"`
	Outcome    AckOutcome        `json:"outcome"`
	Rejected   bool              `json:"rejected,omitempty"`
	WaitCode   *int              `json:"waitCode,omitempty"`
	Budget     RetryBudget       `json:"budget"`
	States     []CycleState      `json:"states"`
	Settled    bool              `json:"settled"`
	Downlinks  []models.Downlink `json:"downlinks,omitempty"`
	Counters   Counters          `json:"counters"`
}

// RunCycle runs one uplink cycle to its outcome: compose, send with
// bounded busy retry, wait for the confirmation, settle after an ack and
// drain downlinks. The uplink timer is set to the cycle start whatever
// the outcome. Cycles never overlap.
func (c *Controller) RunCycle(ctx context.Context) (CycleReport, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	if c.joinState != Joined {
		c.mu.Unlock()
		return CycleReport{}, ErrNotJoined
	}
	c.counters.MessagesSent++
	seq := c.counters.MessagesSent
	c.mu.Unlock()

	start := c.clk.Now()
	rep := CycleReport{
		ID:        uuid.New(),
		Sequence:  seq,
		StartedAt: start,
		Port:      c.cfg.Port,
		Budget:    RetryBudget{MaxAttempts: c.cfg.MaxSendAttempts},
	}
	buf := make([]byte, DownlinkBufferSize)

	c.enter(&rep, Sending)
	payload, err := c.compose(seq)
	if err != nil {
		log.Error().Err(err).Uint32("seq", seq).Msg("Failed to compose payload")
		rep.Outcome = SendNotStarted
	} else {
		rep.Size = len(payload)
		rep.Outcome = c.send(ctx, &rep, payload)
	}

	// immediate drain after the send stage, whatever its outcome
	c.drainAll(ctx, buf, &rep)

	if rep.Outcome == Acknowledged {
		c.enter(&rep, Settling)
		c.pacer.sleep(c.cfg.Settle, "ack settle")
		rep.Settled = true
	}

	c.enter(&rep, Draining)
	c.drainAll(ctx, buf, &rep)

	c.enter(&rep, Idle)
	rep.FinishedAt = c.clk.Now()

	c.mu.Lock()
	c.timers.LastUplinkTime = start
	rep.Counters = c.counters
	c.lastCycle = &rep
	c.mu.Unlock()

	c.reportCycle(ctx, &rep)
	c.logSessionDiagnostics(rep.Counters)
	return rep, nil
}

func (c *Controller) enter(rep *CycleReport, s CycleState) {
	rep.States = append(rep.States, s)
	c.setCycleState(s)
}

func (c *Controller) compose(seq uint32) ([]byte, error) {
	pc := PayloadContext{Sequence: seq, DataRate: -1, TxPower: -1}
	if dr, err := c.sess.DataRate(); err == nil {
		pc.DataRate = dr
	}
	if txp, err := c.sess.TxPower(); err == nil {
		pc.TxPower = txp
	}
	return c.cfg.Composer.Compose(pc)
}

// send runs the Sending and AwaitingAck states
func (c *Controller) send(ctx context.Context, rep *CycleReport, payload []byte) AckOutcome {
	c.sess.ResetConfirmedStatus()
	if c.blocking != nil {
		return c.sendBlocking(ctx, rep, payload)
	}

	policy := retry.Policy{MaxAttempts: c.cfg.MaxSendAttempts, Interval: c.cfg.SendRetryInterval}
	for attempt, elapsed := range policy.Attempts(c.clk, c.pacer.pause) {
		rep.Budget.AttemptsUsed = attempt

		status := c.sess.SendConfirmed(payload, c.cfg.Port)
		if status == session.Accepted {
			// a previous send that timed out may have confirmed while
			// this one was retrying on Busy
			c.sess.ResetConfirmedStatus()
			rep.Budget.StackReady = true
			break
		}
		if status == session.Rejected {
			rep.Rejected = true
			log.Warn().Int("attempt", attempt).Msg("Confirmed send rejected by stack")
			break
		}
		if attempt == 1 || attempt%20 == 0 {
			log.Debug().
				Int("attempt", attempt).
				Int("maxAttempts", c.cfg.MaxSendAttempts).
				Dur("elapsed", elapsed).
				Msg("Stack busy, retrying send")
		}
	}
	if !rep.Budget.StackReady {
		return SendNotStarted
	}

	c.accepted()
	c.enter(rep, AwaitingAck)

	c.pacer.pollUntil(c.cfg.AckTimeout, func() bool {
		return c.sess.LastConfirmedOutcome() != session.Unknown
	})

	switch c.sess.LastConfirmedOutcome() {
	case session.Acknowledged:
		c.acknowledged()
		return Acknowledged
	case session.NotAcknowledged:
		return NotAcknowledged
	}
	if c.sess.SendInProgress() {
		return SendTimedOut
	}
	// finished without a confirm event: the windows passed unanswered
	return NotAcknowledged
}

func (c *Controller) sendBlocking(ctx context.Context, rep *CycleReport, payload []byte) AckOutcome {
	ctx = context.WithoutCancel(ctx)

	var result session.WaitResult
	policy := retry.Policy{MaxAttempts: c.cfg.MaxSendAttempts, Interval: c.cfg.SendRetryInterval}
	for attempt := range policy.Attempts(c.clk, c.pacer.pause) {
		rep.Budget.AttemptsUsed = attempt

		result = c.blocking.SendConfirmedWait(ctx, payload, c.cfg.Port, c.cfg.AckTimeout)
		if result.Status == session.WaitBusy {
			if attempt == 1 || attempt%20 == 0 {
				log.Debug().Int("attempt", attempt).Msg("Stack busy, retrying send")
			}
			continue
		}
		if result.Status == session.WaitRejected {
			rep.Rejected = true
			log.Warn().Int("code", result.Code).Msg("Confirmed send rejected by stack")
			break
		}
		rep.Budget.StackReady = true
		break
	}
	if !rep.Budget.StackReady {
		return SendNotStarted
	}

	code := result.Code
	rep.WaitCode = &code

	c.accepted()
	c.enter(rep, AwaitingAck)

	switch result.Status {
	case session.WaitAcknowledged:
		c.acknowledged()
		return Acknowledged
	case session.WaitNotAcknowledged:
		return NotAcknowledged
	case session.WaitTimedOut:
		return SendTimedOut
	default:
		log.Warn().
			Int("code", result.Code).
			Msg("Ambiguous send result, counting as not acknowledged")
		return NotAcknowledged
	}
}

func (c *Controller) accepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.ConfirmedAttempts++
}

func (c *Controller) acknowledged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.ConfirmedAcks++
}

// drainAll retrieves pending downlinks and reports them
func (c *Controller) drainAll(ctx context.Context, buf []byte, rep *CycleReport) {
	for i := 0; i < maxDrainPerPoint; i++ {
		dl, ok := Drain(c.sess, buf)
		if !ok {
			return
		}
		dl.ReceivedAt = c.clk.Now()

		log.Info().
			Uint8("port", dl.Port).
			Int("size", len(dl.Payload)).
			Str("payload", hex.EncodeToString(dl.Payload)).
			Msg("Downlink received")

		ev := c.event(models.EventTypeDownlink, models.EventLevelInfo, models.CodeDownlinkReceived, "Downlink received")
		ev.Details["port"] = dl.Port
		ev.Details["size"] = len(dl.Payload)
		ev.Details["payload"] = hex.EncodeToString(dl.Payload)
		if rep != nil {
			ev.CycleID = &rep.ID
			rep.Downlinks = append(rep.Downlinks, dl)
		}
		c.publish(ctx, ev)
	}
}

func (c *Controller) reportCycle(ctx context.Context, rep *CycleReport) {
	var ev *models.EventLog
	switch rep.Outcome {
	case Acknowledged:
		ev = c.event(models.EventTypeAck, models.EventLevelInfo, models.CodeDelivered, "Confirmed uplink acknowledged")
	case NotAcknowledged:
		ev = c.event(models.EventTypeAck, models.EventLevelWarning, models.CodeDeliveryNotAcknowledged, "Confirmed uplink not acknowledged")
	case SendTimedOut:
		ev = c.event(models.EventTypeError, models.EventLevelError, models.CodeSendTimedOutWaitingForConfirm, "Send in progress but no confirmation before timeout")
	default:
		ev = c.event(models.EventTypeUplink, models.EventLevelWarning, models.CodeSendRejectedAfterRetries, "Confirmed send did not start")
	}

	ev.CycleID = &rep.ID
	ev.Details["sequence"] = rep.Sequence
	ev.Details["port"] = rep.Port
	ev.Details["size"] = rep.Size
	ev.Details["attempts"] = rep.Budget.AttemptsUsed
	ev.Details["rejected"] = rep.Rejected
	ev.Details["settled"] = rep.Settled
	ev.Details["duration"] = rep.FinishedAt.Sub(rep.StartedAt).String()
	ev.Details["confirmedAttempts"] = rep.Counters.ConfirmedAttempts
	ev.Details["confirmedAcks"] = rep.Counters.ConfirmedAcks
	ev.Details["deliveryRatio"] = rep.Counters.DeliveryRatio()
	if rep.WaitCode != nil {
		ev.Details["waitCode"] = *rep.WaitCode
	}
	c.publish(ctx, ev)
}

// logSessionDiagnostics logs the post-cycle device summary
func (c *Controller) logSessionDiagnostics(counters Counters) {
	e := log.Info().
		Str("devEUI", c.devEUI).
		Uint32("acks", counters.ConfirmedAcks).
		Uint32("attempts", counters.ConfirmedAttempts).
		Float64("ratio", counters.DeliveryRatio())

	if addr, err := c.sess.DevAddr(); err == nil {
		e = e.Str("devAddr", addr.String())
	}
	if adr, err := c.sess.ADREnabled(); err == nil {
		e = e.Bool("adr", adr)
	}
	e.Msg("Cycle complete")
}
