// Package server holds the event recorder, which persists events the
// node controllers publish on NATS.
package server

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/report"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

const storeTimeout = 5 * time.Second

// EventRecorder subscribes to <prefix>.<devEUI>.<type> and stores every
// event it receives. Recorders sharing a queue group split the stream.
type EventRecorder struct {
	nc         *nats.Conn
	store      storage.Store
	prefix     string
	queueGroup string
	sub        *nats.Subscription

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// NewEventRecorder creates a recorder
func NewEventRecorder(nc *nats.Conn, store storage.Store, prefix, queueGroup string) *EventRecorder {
	if prefix == "" {
		prefix = "lorawan.node"
	}
	return &EventRecorder{
		nc:         nc,
		store:      store,
		prefix:     prefix,
		queueGroup: queueGroup,
	}
}

// Subject is the wildcard subject the recorder listens on
func (r *EventRecorder) Subject() string {
	return r.prefix + ".*.*"
}

// Start subscribes and blocks until ctx is done
func (r *EventRecorder) Start(ctx context.Context) error {
	sub, err := r.nc.QueueSubscribe(r.Subject(), r.queueGroup, r.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.Subject(), err)
	}
	r.sub = sub

	log.Info().
		Str("subject", r.Subject()).
		Str("queue", r.queueGroup).
		Msg("Event recorder started")

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("Failed to unsubscribe")
	}

	log.Info().
		Uint64("recorded", r.recorded.Load()).
		Uint64("dropped", r.dropped.Load()).
		Msg("Event recorder stopped")

	return ctx.Err()
}

// Stats returns how many events were stored and dropped
func (r *EventRecorder) Stats() (recorded, dropped uint64) {
	return r.recorded.Load(), r.dropped.Load()
}

func (r *EventRecorder) handleMessage(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received event")

	event, err := report.DecodeJSON(msg.Data)
	if err != nil {
		r.dropped.Add(1)
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal event")
		return
	}

	// Older publishers leave devEUI out of the body
	if event.DevEUI == "" {
		if dev := r.subjectDevEUI(msg.Subject); dev != "" && dev != "unknown" {
			event.DevEUI = dev
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := r.store.CreateEventLog(ctx, event); err != nil {
		r.dropped.Add(1)
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to create event log")
		return
	}
	r.recorded.Add(1)
}

// subjectDevEUI extracts the devEUI token from <prefix>.<devEUI>.<type>
func (r *EventRecorder) subjectDevEUI(subject string) string {
	rest, ok := strings.CutPrefix(subject, r.prefix+".")
	if !ok {
		return ""
	}
	dev, _, ok := strings.Cut(rest, ".")
	if !ok {
		return ""
	}
	return dev
}
