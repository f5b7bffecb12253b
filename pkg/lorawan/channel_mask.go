package lorawan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ChannelMask is a 96 channel enable mask, stored as six 16-bit words.
// Word w, bit b enables channel w*16+b.
type ChannelMask [6]uint16

// ParseChannelMask parses the 24 character hex form, each word MSB first:
// "00FF00000000000000000001" enables channels 0-7 and 80.
func ParseChannelMask(s string) (ChannelMask, error) {
	var m ChannelMask
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return m, fmt.Errorf("parse channel mask: %w", err)
	}
	if len(b) != 2*len(m) {
		return m, fmt.Errorf("parse channel mask: invalid length %d, want %d bytes", len(b), 2*len(m))
	}
	for i := range m {
		m[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return m, nil
}

// String returns the hex form accepted by ParseChannelMask
func (m ChannelMask) String() string {
	var sb strings.Builder
	for _, w := range m {
		fmt.Fprintf(&sb, "%04X", w)
	}
	return sb.String()
}

// Enabled reports whether channel ch is enabled
func (m ChannelMask) Enabled(ch int) bool {
	if ch < 0 || ch >= 16*len(m) {
		return false
	}
	return m[ch/16]&(1<<(ch%16)) != 0
}

// Channels returns the enabled channel indexes in ascending order
func (m ChannelMask) Channels() []int {
	var out []int
	for ch := 0; ch < 16*len(m); ch++ {
		if m.Enabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// SubBands returns the 1-based 125 kHz sub-bands (groups of eight of the
// first 64 channels) that have at least one channel enabled.
func (m ChannelMask) SubBands() []int {
	var out []int
	for sb := 0; sb < 8; sb++ {
		for ch := sb * 8; ch < sb*8+8; ch++ {
			if m.Enabled(ch) {
				out = append(out, sb+1)
				break
			}
		}
	}
	return out
}

// SubBandBits returns SubBands as a bitmask, bit 0 for sub-band 1.
func (m ChannelMask) SubBandBits() uint16 {
	var bits uint16
	for _, sb := range m.SubBands() {
		bits |= 1 << (sb - 1)
	}
	return bits
}
