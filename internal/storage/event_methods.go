package storage

import (
	"context"
	"fmt"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if err := prepareEvent(event); err != nil {
		return err
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, dev_eui, cycle_id, type, level, code, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.DevEUI, event.CycleID,
		event.Type, event.Level, event.Code, event.Description, event.Details,
	)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// buildEventFilter returns the WHERE clause and its arguments
func buildEventFilter(filters EventLogFilters) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}

	if filters.DevEUI != nil {
		add("dev_eui = $%d", *filters.DevEUI)
	}
	if filters.CycleID != nil {
		add("cycle_id = $%d", *filters.CycleID)
	}
	if filters.Type != nil {
		add("type = $%d", *filters.Type)
	}
	if filters.Level != nil {
		add("level = $%d", *filters.Level)
	}
	if filters.Code != nil {
		add("code = $%d", *filters.Code)
	}
	if filters.StartTime != nil {
		add("created_at >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		add("created_at <= $%d", *filters.EndTime)
	}

	return where, args
}

// ListEventLogs lists event logs with filters, newest first
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where, args := buildEventFilter(filters)

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count event logs: %w", err)
	}

	selectQuery := "SELECT id, created_at, dev_eui, cycle_id, type, level, code, description, details FROM event_logs" + where
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query event logs: %w", err)
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.DevEUI, &event.CycleID,
			&event.Type, &event.Level, &event.Code, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, count, rows.Err()
}
