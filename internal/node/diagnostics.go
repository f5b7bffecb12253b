package node

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// LinkCheckReport describes one link check
type LinkCheckReport struct {
	RequestedAt time.Time `json:"requestedAt"`
	Responded   bool      `json:"responded"`
	Margin      uint8     `json:"margin,omitempty"`
	Gateways    uint8     `json:"gateways,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// CollectDiagnostics requests a link check and waits a bounded window
// for the answer. A missing answer is recorded as no response and is not
// retried before the next period; earlier diagnostics are kept.
func (c *Controller) CollectDiagnostics(ctx context.Context) LinkCheckReport {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()

	now := c.clk.Now()
	rep := LinkCheckReport{RequestedAt: now}

	c.mu.Lock()
	c.timers.LastLinkCheckTime = now
	c.mu.Unlock()

	if err := c.sess.RequestLinkCheck(); err != nil {
		rep.Error = err.Error()
		log.Warn().Err(err).Msg("Link check request rejected")
	} else {
		ok := c.pacer.pollUntil(c.cfg.LinkCheckWindow, func() bool {
			_, ok := c.sess.LinkCheckResult()
			return ok
		})
		if ok {
			lc, _ := c.sess.LinkCheckResult()
			rep.Responded = true
			rep.Margin = lc.Margin
			rep.Gateways = lc.Gateways
		}
	}

	c.mu.Lock()
	if rep.Responded {
		c.diag = LinkDiagnostics{
			DemodMargin:       rep.Margin,
			GatewayCount:      rep.Gateways,
			LastLinkCheckTime: now,
			Valid:             true,
		}
	}
	c.lastLinkCheck = &rep
	c.mu.Unlock()

	var ev *models.EventLog
	if rep.Responded {
		ev = c.event(models.EventTypeLinkCheck, models.EventLevelInfo, models.CodeLinkCheck, "Link check answered")
		ev.Details["margin"] = rep.Margin
		ev.Details["gateways"] = rep.Gateways
	} else {
		ev = c.event(models.EventTypeLinkCheck, models.EventLevelInfo, models.CodeLinkCheckNoResponse, "No link check response")
		ev.Details["window"] = c.cfg.LinkCheckWindow.String()
		if rep.Error != "" {
			ev.Details["error"] = rep.Error
		}
	}
	c.publish(ctx, ev)

	return rep
}

// LinkDiagnostics returns the last successful link check
func (c *Controller) LinkDiagnostics() LinkDiagnostics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.diag
}
