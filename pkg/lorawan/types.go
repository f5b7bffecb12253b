package lorawan

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// ParseEUI64 parses a 16 character hex string into an EUI64
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	if err := decodeHexInto(e[:], s); err != nil {
		return e, fmt.Errorf("parse EUI64: %w", err)
	}
	return e, nil
}

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// IsZero reports whether all bytes are zero
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}

	*e = parsed
	return nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// DevAddrFromUint32 builds a DevAddr from its big-endian numeric form
func DevAddrFromUint32(v uint32) DevAddr {
	var d DevAddr
	binary.BigEndian.PutUint32(d[:], v)
	return d
}

// ParseDevAddr parses an 8 character hex string into a DevAddr
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	if err := decodeHexInto(d[:], s); err != nil {
		return d, fmt.Errorf("parse DevAddr: %w", err)
	}
	return d, nil
}

// Uint32 returns the big-endian numeric form
func (d DevAddr) Uint32() uint32 {
	return binary.BigEndian.Uint32(d[:])
}

// String returns hex string representation
func (d DevAddr) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// ParseAES128Key parses a 32 character hex string into a key
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	if err := decodeHexInto(k[:], s); err != nil {
		return k, fmt.Errorf("parse AES128 key: %w", err)
	}
	return k, nil
}

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// Redacted returns the key with everything but the first two bytes masked,
// for logging.
func (k AES128Key) Redacted() string {
	return hex.EncodeToString(k[:2]) + strings.Repeat("*", 28)
}

func decodeHexInto(dst []byte, s string) error {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid length %d, want %d bytes", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
