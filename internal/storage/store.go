package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DevEUI    *string
	CycleID   *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	Code      *models.EventCode
	StartTime *time.Time
	EndTime   *time.Time
}

// Match reports whether event passes the filters
func (f EventLogFilters) Match(event *models.EventLog) bool {
	if f.DevEUI != nil && event.DevEUI != *f.DevEUI {
		return false
	}
	if f.CycleID != nil && (event.CycleID == nil || *event.CycleID != *f.CycleID) {
		return false
	}
	if f.Type != nil && event.Type != *f.Type {
		return false
	}
	if f.Level != nil && event.Level != *f.Level {
		return false
	}
	if f.Code != nil && event.Code != *f.Code {
		return false
	}
	if f.StartTime != nil && event.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && event.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func prepareEvent(event *models.EventLog) error {
	if event == nil {
		return ErrInvalidData
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Type == "" || event.Level == "" {
		return ErrInvalidData
	}
	return nil
}
