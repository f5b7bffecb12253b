package node

import (
	"fmt"
	"time"
)

// JoinState tracks the network join. It only moves forward.
type JoinState int

const (
	NotJoined JoinState = iota
	Joining
	Joined
	JoinFailed
)

var joinStateNames = [...]string{"not_joined", "joining", "joined", "join_failed"}

func (s JoinState) String() string {
	if int(s) < len(joinStateNames) {
		return joinStateNames[s]
	}
	return fmt.Sprintf("JoinState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s JoinState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CycleState is the position within one uplink cycle
type CycleState int

const (
	Idle CycleState = iota
	Sending
	AwaitingAck
	Settling
	Draining
)

var cycleStateNames = [...]string{"idle", "sending", "awaiting_ack", "settling", "draining"}

func (s CycleState) String() string {
	if int(s) < len(cycleStateNames) {
		return cycleStateNames[s]
	}
	return fmt.Sprintf("CycleState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s CycleState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AckOutcome is the single result of a cycle
type AckOutcome int

const (
	Acknowledged AckOutcome = iota + 1
	NotAcknowledged
	SendNotStarted
	SendTimedOut
)

var ackOutcomeNames = [...]string{"", "acknowledged", "not_acknowledged", "send_not_started", "send_timed_out"}

func (o AckOutcome) String() string {
	if o > 0 && int(o) < len(ackOutcomeNames) {
		return ackOutcomeNames[o]
	}
	return fmt.Sprintf("AckOutcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler
func (o AckOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// RetryBudget bounds the busy-retry loop of one cycle
type RetryBudget struct {
	MaxAttempts  int  `json:"maxAttempts"`
	AttemptsUsed int  `json:"attemptsUsed"`
	StackReady   bool `json:"stackReady"`
}

// Counters accumulate over the controller's lifetime
type Counters struct {
	MessagesSent      uint32 `json:"messagesSent"`
	ConfirmedAttempts uint32 `json:"confirmedAttempts"`
	ConfirmedAcks     uint32 `json:"confirmedAcks"`
}

// DeliveryRatio returns acks/attempts as a percentage, 0 with no attempts
func (c Counters) DeliveryRatio() float64 {
	if c.ConfirmedAttempts == 0 {
		return 0
	}
	return float64(c.ConfirmedAcks) / float64(c.ConfirmedAttempts) * 100
}

// LinkDiagnostics holds the last successful link check. Values persist
// until the next successful check replaces them.
type LinkDiagnostics struct {
	DemodMargin       uint8     `json:"demodMargin"`
	GatewayCount      uint8     `json:"gatewayCount"`
	LastLinkCheckTime time.Time `json:"lastLinkCheckTime"`
	Valid             bool      `json:"valid"`
}

// IntervalTimers record when the periodic activities last fired
type IntervalTimers struct {
	LastUplinkTime    time.Time `json:"lastUplinkTime"`
	LastLinkCheckTime time.Time `json:"lastLinkCheckTime"`
}
