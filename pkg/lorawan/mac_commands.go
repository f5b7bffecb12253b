package lorawan

import (
	"fmt"
)

// MACCommand represents a MAC command
type MACCommand struct {
	CID     byte
	Payload []byte
}

// Direction tells which side sent a frame. The same CID means a request
// in one direction and an answer in the other.
type Direction uint8

const (
	Uplink Direction = iota
	Downlink
)

func (d Direction) String() string {
	if d == Uplink {
		return "uplink"
	}
	return "downlink"
}

// MAC command identifiers
const (
	LinkCheckReq     byte = 0x02
	LinkCheckAns     byte = 0x02
	LinkADRReq       byte = 0x03
	LinkADRAns       byte = 0x03
	DutyCycleReq     byte = 0x04
	DutyCycleAns     byte = 0x04
	RXParamSetupReq  byte = 0x05
	RXParamSetupAns  byte = 0x05
	DevStatusReq     byte = 0x06
	DevStatusAns     byte = 0x06
	NewChannelReq    byte = 0x07
	NewChannelAns    byte = 0x07
	RXTimingSetupReq byte = 0x08
	RXTimingSetupAns byte = 0x08
	TxParamSetupReq  byte = 0x09
	TxParamSetupAns  byte = 0x09
	DlChannelReq     byte = 0x0A
	DlChannelAns     byte = 0x0A
	DeviceTimeReq    byte = 0x0D
	DeviceTimeAns    byte = 0x0D
)

// MaxFOptsLen is the room for piggybacked MAC commands in a frame header
const MaxFOptsLen = 15

// payload sizes by CID, device to network and network to device
var (
	uplinkPayloadSizes = map[byte]int{
		LinkCheckReq:     0,
		LinkADRAns:       1,
		DutyCycleAns:     0,
		RXParamSetupAns:  1,
		DevStatusAns:     2,
		NewChannelAns:    1,
		RXTimingSetupAns: 0,
		TxParamSetupAns:  0,
		DlChannelAns:     1,
		DeviceTimeReq:    0,
	}
	downlinkPayloadSizes = map[byte]int{
		LinkCheckAns:     2,
		LinkADRReq:       4,
		DutyCycleReq:     1,
		RXParamSetupReq:  4,
		DevStatusReq:     0,
		NewChannelReq:    5,
		RXTimingSetupReq: 1,
		TxParamSetupReq:  1,
		DlChannelReq:     4,
		DeviceTimeAns:    5,
	}
)

func payloadSize(dir Direction, cid byte) (int, bool) {
	sizes := uplinkPayloadSizes
	if dir == Downlink {
		sizes = downlinkPayloadSizes
	}
	n, ok := sizes[cid]
	return n, ok
}

// ParseMACCommands splits an FOpts field into commands
func ParseMACCommands(dir Direction, data []byte) ([]MACCommand, error) {
	var commands []MACCommand

	for len(data) > 0 {
		cid := data[0]
		n, ok := payloadSize(dir, cid)
		if !ok {
			return nil, fmt.Errorf("unknown %s MAC command %02x", dir, cid)
		}
		if len(data)-1 < n {
			return nil, fmt.Errorf("%s MAC command %02x: want %d payload bytes, have %d", dir, cid, n, len(data)-1)
		}
		commands = append(commands, MACCommand{CID: cid, Payload: data[1 : 1+n]})
		data = data[1+n:]
	}

	return commands, nil
}

// EncodeMACCommands builds an FOpts field, checking every payload length
// and the total size.
func EncodeMACCommands(dir Direction, commands []MACCommand) ([]byte, error) {
	var data []byte
	for _, cmd := range commands {
		n, ok := payloadSize(dir, cmd.CID)
		if !ok {
			return nil, fmt.Errorf("unknown %s MAC command %02x", dir, cmd.CID)
		}
		if len(cmd.Payload) != n {
			return nil, fmt.Errorf("%s MAC command %02x: payload is %d bytes, want %d", dir, cmd.CID, len(cmd.Payload), n)
		}
		data = append(data, cmd.CID)
		data = append(data, cmd.Payload...)
	}
	if len(data) > MaxFOptsLen {
		return nil, fmt.Errorf("MAC commands need %d bytes, FOpts holds %d", len(data), MaxFOptsLen)
	}
	return data, nil
}

// LinkCheckAnsPayload is the body of a LinkCheckAns.
// Margin is the demodulation margin in dB of the last LinkCheckReq as
// received by the best gateway; GwCnt the number of gateways that heard it.
type LinkCheckAnsPayload struct {
	Margin uint8
	GwCnt  uint8
}

// MarshalBinary encodes the payload
func (p LinkCheckAnsPayload) MarshalBinary() ([]byte, error) {
	if p.Margin > 254 {
		return nil, fmt.Errorf("margin %d out of range", p.Margin)
	}
	return []byte{p.Margin, p.GwCnt}, nil
}

// UnmarshalBinary decodes the payload
func (p *LinkCheckAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("LinkCheckAns payload must be 2 bytes, got %d", len(data))
	}
	p.Margin = data[0]
	p.GwCnt = data[1]
	return nil
}

// DevStatusAnsPayload is the device's battery level (0 external power,
// 1-254 level, 255 unknown) and its SNR margin of the last DevStatusReq.
type DevStatusAnsPayload struct {
	Battery uint8
	Margin  int8 // -32..31 dB
}

// MarshalBinary encodes the payload; the margin is a 6-bit signed value
func (p DevStatusAnsPayload) MarshalBinary() ([]byte, error) {
	if p.Margin < -32 || p.Margin > 31 {
		return nil, fmt.Errorf("margin %d out of range", p.Margin)
	}
	return []byte{p.Battery, byte(p.Margin) & 0x3f}, nil
}

// UnmarshalBinary decodes the payload
func (p *DevStatusAnsPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return fmt.Errorf("DevStatusAns payload must be 2 bytes, got %d", len(data))
	}
	p.Battery = data[0]
	m := data[1] & 0x3f
	if m&0x20 != 0 {
		p.Margin = int8(m) - 64
	} else {
		p.Margin = int8(m)
	}
	return nil
}
