package node

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// Join joins the network, or accepts a restored session as joined. On
// success the controller waits the join settle period before returning
// so the stack can finish post-join MAC exchanges. A timeout is fatal:
// the state becomes JoinFailed and ErrJoinTimeout is returned.
func (c *Controller) Join(ctx context.Context) (JoinState, error) {
	c.mu.RLock()
	state := c.joinState
	c.mu.RUnlock()

	switch state {
	case Joined:
		return Joined, nil
	case JoinFailed:
		return JoinFailed, ErrJoinTimeout
	}

	if c.sess.IsJoined() {
		log.Info().Str("devEUI", c.devEUI).Msg("Session restored, skipping join")
		c.joined(ctx, true)
		return Joined, nil
	}

	c.setJoinState(Joining)
	log.Info().
		Str("devEUI", c.devEUI).
		Dur("timeout", c.cfg.JoinTimeout).
		Msg("Joining network")

	start := c.clk.Now()
	if err := c.handshake(ctx); err != nil {
		c.setJoinState(JoinFailed)
		ev := c.event(models.EventTypeJoin, models.EventLevelFatal, models.CodeJoinTimeout, "No join accept before timeout")
		ev.Details["timeout"] = c.cfg.JoinTimeout.String()
		ev.Details["error"] = err.Error()
		c.publish(ctx, ev)
		return JoinFailed, fmt.Errorf("%w: %v", ErrJoinTimeout, err)
	}

	log.Info().
		Str("devEUI", c.devEUI).
		Dur("elapsed", c.clk.Now().Sub(start)).
		Dur("settle", c.cfg.JoinSettle).
		Msg("Joined network, settling")
	c.pacer.sleep(c.cfg.JoinSettle, "join settle")

	c.joined(ctx, false)
	return Joined, nil
}

func (c *Controller) handshake(ctx context.Context) error {
	if c.blocking != nil {
		return c.blocking.JoinBlocking(context.WithoutCancel(ctx), c.cfg.JoinTimeout)
	}

	if err := c.sess.BeginJoin(); err != nil {
		return fmt.Errorf("begin join: %w", err)
	}
	if !c.pacer.pollUntil(c.cfg.JoinTimeout, c.sess.IsJoined) {
		return fmt.Errorf("no join accept within %s", c.cfg.JoinTimeout)
	}
	return nil
}

func (c *Controller) joined(ctx context.Context, restored bool) {
	c.mu.Lock()
	c.joinState = Joined
	c.timers.LastLinkCheckTime = c.clk.Now()
	c.mu.Unlock()

	ev := c.event(models.EventTypeJoin, models.EventLevelInfo, models.CodeJoined, "Joined network")
	ev.Details["restored"] = restored
	c.publish(ctx, ev)
}
