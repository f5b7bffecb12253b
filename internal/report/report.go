// Package report delivers controller events to logs, message buses,
// webhooks and the event store.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// Sink receives controller events
type Sink interface {
	Publish(ctx context.Context, event *models.EventLog) error
	Close() error
}

// Multi fans an event out to every sink. A failing sink does not stop
// delivery to the others.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti creates a fan-out over sinks
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Add registers another sink
func (m *Multi) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Len returns the number of sinks
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// Publish implements Sink
func (m *Multi) Publish(ctx context.Context, event *models.EventLog) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.sinks = nil
	return errors.Join(errs...)
}

// eventSegment renders the devEUI and type parts of a subject or topic
func eventSegment(event *models.EventLog) (string, string) {
	dev := strings.ToLower(event.DevEUI)
	if dev == "" {
		dev = "unknown"
	}
	return dev, strings.ToLower(string(event.Type))
}

// Subject returns the NATS subject for an event: <prefix>.<devEUI>.<type>
func Subject(prefix string, event *models.EventLog) string {
	dev, typ := eventSegment(event)
	return fmt.Sprintf("%s.%s.%s", prefix, dev, typ)
}

// Topic returns the MQTT topic for an event: <prefix>/<devEUI>/<type>
func Topic(prefix string, event *models.EventLog) string {
	dev, typ := eventSegment(event)
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(prefix, "/"), dev, typ)
}

// DecodeJSON parses an event published as JSON
func DecodeJSON(data []byte) (*models.EventLog, error) {
	var event models.EventLog
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &event, nil
}
