package storage

import (
	"context"
	"sync"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// MemoryStore keeps the most recent events in memory
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*models.EventLog
	capacity int
}

// NewMemoryStore creates a store holding at most capacity events;
// the oldest are discarded first.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{capacity: capacity}
}

// CreateEventLog stores a copy of event
func (s *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	if err := prepareEvent(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *event
	s.events = append(s.events, &stored)
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
	return nil
}

// ListEventLogs lists event logs with filters, newest first
func (s *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.EventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		if filters.Match(s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*models.EventLog{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
