package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DevEUI  string     `json:"devEUI" db:"dev_eui"`
	CycleID *uuid.UUID `json:"cycleId,omitempty" db:"cycle_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        EventCode  `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// NewEventLog returns an event with a fresh ID and timestamp
func NewEventLog(devEUI string, typ EventType, level EventLevel, code EventCode, description string) *EventLog {
	return &EventLog{
		ID:          uuid.New(),
		CreatedAt:   time.Now().UTC(),
		DevEUI:      devEUI,
		Type:        typ,
		Level:       level,
		Code:        code,
		Description: description,
		Details:     Variables{},
	}
}

// EventType represents event types
type EventType string

const (
	EventTypeJoin      EventType = "JOIN"
	EventTypeUplink    EventType = "UPLINK"
	EventTypeAck       EventType = "ACK"
	EventTypeDownlink  EventType = "DOWNLINK"
	EventTypeLinkCheck EventType = "LINK_CHECK"
	EventTypeStatus    EventType = "STATUS"
	EventTypeError     EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
	EventLevelFatal   EventLevel = "FATAL"
)

// EventCode names the outcome an event reports
type EventCode string

const (
	CodeJoined                        EventCode = "Joined"
	CodeJoinTimeout                   EventCode = "JoinTimeout"
	CodeInitializeFailed              EventCode = "InitializeFailed"
	CodeDelivered                     EventCode = "Delivered"
	CodeDeliveryNotAcknowledged       EventCode = "DeliveryNotAcknowledged"
	CodeSendRejectedAfterRetries      EventCode = "SendRejectedAfterRetries"
	CodeSendTimedOutWaitingForConfirm EventCode = "SendTimedOutWaitingForConfirm"
	CodeLinkCheck                     EventCode = "LinkCheck"
	CodeLinkCheckNoResponse           EventCode = "LinkCheckNoResponse"
	CodeDownlinkReceived              EventCode = "DownlinkReceived"
)

// Downlink is one application payload received from the network
type Downlink struct {
	Port       uint8     `json:"port"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}
