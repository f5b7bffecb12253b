package report

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// LogSink writes events to a zerolog logger
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Level maps an event level to a log level
func Level(l models.EventLevel) zerolog.Level {
	switch l {
	case models.EventLevelDebug:
		return zerolog.DebugLevel
	case models.EventLevelWarning:
		return zerolog.WarnLevel
	case models.EventLevelError:
		return zerolog.ErrorLevel
	case models.EventLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Publish implements Sink. Fatal events are logged at fatal level
// without exiting; the process decides when to stop.
func (s *LogSink) Publish(_ context.Context, event *models.EventLog) error {
	e := s.logger.WithLevel(Level(event.Level)).
		Str("devEUI", event.DevEUI).
		Str("type", string(event.Type)).
		Str("code", string(event.Code))
	if event.CycleID != nil {
		e = e.Str("cycleID", event.CycleID.String())
	}
	if len(event.Details) > 0 {
		e = e.Fields(map[string]interface{}(event.Details))
	}
	e.Msg(event.Description)
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error { return nil }
