package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// NATSConfig configures the NATS sink
type NATSConfig struct {
	URL               string
	SubjectPrefix     string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// Connect opens a NATS connection with reconnect logging
func Connect(cfg NATSConfig, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSSink publishes events as JSON on <prefix>.<devEUI>.<type>
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a sink on an open connection. Close drains it.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "lorawan.node"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Publish implements Sink
func (s *NATSSink) Publish(_ context.Context, event *models.EventLog) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(s.prefix, event)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Sink
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
