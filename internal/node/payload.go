package node

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// PayloadContext is what a composer may put in an uplink
type PayloadContext struct {
	Sequence uint32
	DataRate int
	TxPower  int
}

// Composer builds the application payload of one uplink
type Composer interface {
	Compose(pc PayloadContext) ([]byte, error)
}

// TextComposer renders "Hello #<seq> DR:<dr> PWR:<pwr>"
type TextComposer struct {
	Prefix string
}

// Compose implements Composer
func (t TextComposer) Compose(pc PayloadContext) ([]byte, error) {
	prefix := t.Prefix
	if prefix == "" {
		prefix = "Hello"
	}
	return []byte(fmt.Sprintf("%s #%d DR:%d PWR:%d", prefix, pc.Sequence, pc.DataRate, pc.TxPower)), nil
}

type cborPayload struct {
	Sequence uint32 `cbor:"seq"`
	DataRate int    `cbor:"dr"`
	TxPower  int    `cbor:"pwr"`
}

// CBORComposer encodes {seq, dr, pwr} as a CBOR map
type CBORComposer struct{}

// Compose implements Composer
func (CBORComposer) Compose(pc PayloadContext) ([]byte, error) {
	data, err := cbor.Marshal(cborPayload{Sequence: pc.Sequence, DataRate: pc.DataRate, TxPower: pc.TxPower})
	if err != nil {
		return nil, fmt.Errorf("encode cbor payload: %w", err)
	}
	return data, nil
}

// DecodeCBORPayload decodes a payload produced by CBORComposer
func DecodeCBORPayload(data []byte) (PayloadContext, error) {
	var p cborPayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return PayloadContext{}, fmt.Errorf("decode cbor payload: %w", err)
	}
	return PayloadContext{Sequence: p.Sequence, DataRate: p.DataRate, TxPower: p.TxPower}, nil
}

// NewComposer returns the composer for a configured format
func NewComposer(format string) (Composer, error) {
	switch format {
	case "", "text":
		return TextComposer{}, nil
	case "cbor":
		return CBORComposer{}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// WorstCaseSize returns the largest payload c produces for any sequence
// number and radio setting.
func WorstCaseSize(c Composer) (int, error) {
	size := 0
	for _, pc := range []PayloadContext{
		{Sequence: math.MaxUint32, DataRate: 15, TxPower: 15},
		{Sequence: math.MaxUint32, DataRate: -1, TxPower: -1},
	} {
		data, err := c.Compose(pc)
		if err != nil {
			return 0, err
		}
		size = max(size, len(data))
	}
	return size, nil
}
