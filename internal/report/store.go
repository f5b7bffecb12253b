package report

import (
	"context"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

// StoreSink persists events. The store's lifetime belongs to the caller.
type StoreSink struct {
	store storage.Store
}

// NewStoreSink creates a sink writing to store
func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

// Publish implements Sink
func (s *StoreSink) Publish(ctx context.Context, event *models.EventLog) error {
	return s.store.CreateEventLog(ctx, event)
}

// Close implements Sink
func (s *StoreSink) Close() error { return nil }
