// Package session defines the capability surface the node controller
// consumes from a LoRaWAN MAC/radio stack. Concrete stacks live in the
// simulated and atmodem subpackages.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var (
	ErrBusy        = errors.New("session busy")
	ErrNotJoined   = errors.New("session not joined")
	ErrJoinTimeout = errors.New("join timed out")
	ErrRejected    = errors.New("request rejected")
)

// SendStatus is the immediate answer to a confirmed-send request
type SendStatus int

const (
	Accepted SendStatus = iota
	Busy
	Rejected
)

func (s SendStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Busy:
		return "busy"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("SendStatus(%d)", int(s))
	}
}

// ConfirmStatus is the terminal state of the last confirmed uplink
type ConfirmStatus int

const (
	Unknown ConfirmStatus = iota
	Acknowledged
	NotAcknowledged
)

func (s ConfirmStatus) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Acknowledged:
		return "acknowledged"
	case NotAcknowledged:
		return "not_acknowledged"
	default:
		return fmt.Sprintf("ConfirmStatus(%d)", int(s))
	}
}

// WaitStatus classifies the result of a blocking confirmed send
type WaitStatus int

const (
	WaitAmbiguous WaitStatus = iota
	WaitAcknowledged
	WaitNotAcknowledged
	WaitTimedOut
	WaitBusy
	WaitRejected
)

// WaitResult is returned by Blocking.SendConfirmedWait. Code carries the
// stack's raw result code for logging.
type WaitResult struct {
	Status WaitStatus
	Code   int
}

// Result codes reported by blocking stacks
const (
	CodeAcknowledged    = 0
	CodeRejected        = -1
	CodeNotAcknowledged = -2
	CodeTimedOut        = -3
	CodeBusy            = -4
)

// WaitResultFromCode classifies a raw blocking-send result code. Codes
// outside the known set are WaitAmbiguous.
func WaitResultFromCode(code int) WaitResult {
	switch code {
	case CodeAcknowledged:
		return WaitResult{Status: WaitAcknowledged, Code: code}
	case CodeNotAcknowledged:
		return WaitResult{Status: WaitNotAcknowledged, Code: code}
	case CodeTimedOut:
		return WaitResult{Status: WaitTimedOut, Code: code}
	case CodeBusy:
		return WaitResult{Status: WaitBusy, Code: code}
	case CodeRejected:
		return WaitResult{Status: WaitRejected, Code: code}
	default:
		return WaitResult{Status: WaitAmbiguous, Code: code}
	}
}

// LinkCheck is the network's answer to a link check request
type LinkCheck struct {
	Margin   uint8 `json:"margin"`
	Gateways uint8 `json:"gateways"`
}

// RadioConfig describes how to reach the radio
type RadioConfig struct {
	Port            string
	BaudRate        int
	ResponseTimeout time.Duration
}

// JoinConfig carries the OTAA credentials
type JoinConfig struct {
	DevEUI      lorawan.EUI64
	JoinEUI     lorawan.EUI64
	AppKey      lorawan.AES128Key
	ChannelMask lorawan.ChannelMask
}

// Session is a LoRaWAN MAC session on a single radio
type Session interface {
	Initialize(ctx context.Context, radio RadioConfig, region lorawan.Region, join JoinConfig) error

	BeginJoin() error
	IsJoined() bool

	SendConfirmed(payload []byte, port uint8) SendStatus
	ResetConfirmedStatus()
	LastConfirmedOutcome() ConfirmStatus
	SendInProgress() bool

	// Receive copies one pending downlink into buf. ok is false when
	// nothing is pending.
	Receive(buf []byte) (n int, port uint8, ok bool)

	RequestLinkCheck() error
	// LinkCheckResult returns the answer to the most recent request, if
	// one has arrived.
	LinkCheckResult() (LinkCheck, bool)

	DevAddr() (lorawan.DevAddr, error)
	ADREnabled() (bool, error)
	SetADREnabled(enabled bool) error
	DataRate() (int, error)
	SetDataRate(dr int) error
	TxPower() (int, error)
	SetTxPower(power int) error
	SetConfirmedRetryCount(n int) error
}

// Processor is implemented by stacks that run in the caller's execution
// context and must be driven explicitly.
type Processor interface {
	Process()
}

// Blocking is implemented by stacks that run their own processing and
// offer calls that block until a terminal event.
type Blocking interface {
	JoinBlocking(ctx context.Context, timeout time.Duration) error
	SendConfirmedWait(ctx context.Context, payload []byte, port uint8, timeout time.Duration) WaitResult
}
