package lorawan

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Region names a regional parameter set
type Region string

const (
	EU868 Region = "EU868"
	US915 Region = "US915"
	AU915 Region = "AU915"
	CN470 Region = "CN470"
)

// ParseRegion parses a region name, case-insensitively
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case EU868, US915, AU915, CN470:
		return r, nil
	case "CN470_510":
		return CN470, nil
	default:
		return "", fmt.Errorf("unsupported region: %q", s)
	}
}

// Configuration returns the regional parameters. Unknown names fall back
// to EU868.
func (r Region) Configuration() *RegionConfiguration {
	if c, ok := regions[r]; ok {
		return c
	}
	return regions[EU868]
}

// RegionConfiguration holds the uplink side of a regional parameter set
type RegionConfiguration struct {
	Name Region
	// DataRates is indexed by DR number
	DataRates []DataRate
	// DutyCycle is the regulatory transmit-time fraction per sub-band;
	// zero means the region has no duty-cycle limit.
	DutyCycle float64
}

// DataRate is a LoRa modulation and the largest application payload the
// region allows with it.
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
	MaxPayload   int
}

// PHY overhead added to the application payload: MHDR(1) + FHDR(7) + FPort(1) + MIC(4)
const frameOverhead = 13

func lora(sf, bw, maxPayload int) DataRate {
	return DataRate{SpreadFactor: sf, Bandwidth: bw, MaxPayload: maxPayload}
}

// DR0-DR5 of EU868, AU915 and CN470
var sf12to7 = []DataRate{
	lora(12, 125, 51), lora(11, 125, 51), lora(10, 125, 51),
	lora(9, 125, 115), lora(8, 125, 242), lora(7, 125, 242),
}

var regions = map[Region]*RegionConfiguration{
	EU868: {
		Name:      EU868,
		DataRates: append(append([]DataRate{}, sf12to7...), lora(7, 250, 242)),
		DutyCycle: 0.01,
	},
	US915: {
		Name: US915,
		DataRates: []DataRate{
			lora(10, 125, 11), lora(9, 125, 53), lora(8, 125, 125),
			lora(7, 125, 242), lora(8, 500, 242),
		},
	},
	AU915: {
		Name:      AU915,
		DataRates: append(append([]DataRate{}, sf12to7...), lora(8, 500, 242)),
	},
	CN470: {
		Name:      CN470,
		DataRates: append([]DataRate{}, sf12to7...),
	},
}

// DataRate returns the modulation for a data rate index
func (r *RegionConfiguration) DataRate(dr int) (DataRate, error) {
	if dr < 0 || dr >= len(r.DataRates) {
		return DataRate{}, fmt.Errorf("data rate DR%d not defined for %s", dr, r.Name)
	}
	return r.DataRates[dr], nil
}

// MaxPayloadSize returns the maximum application payload for a data rate
func (r *RegionConfiguration) MaxPayloadSize(dr int) (int, error) {
	rate, err := r.DataRate(dr)
	if err != nil {
		return 0, err
	}
	return rate.MaxPayload, nil
}

// Airtime returns the time-on-air of an uplink carrying payloadLen
// application bytes at the given data rate (explicit header, CRC on,
// coding rate 4/5, 8 preamble symbols).
func (r *RegionConfiguration) Airtime(dr int, payloadLen int) (time.Duration, error) {
	rate, err := r.DataRate(dr)
	if err != nil {
		return 0, err
	}
	return rate.Airtime(payloadLen + frameOverhead), nil
}

// MinUplinkInterval returns the shortest uplink period the regional duty
// cycle allows for a payload of payloadLen bytes at the given data rate.
// Regions without a duty cycle return zero.
func (r *RegionConfiguration) MinUplinkInterval(dr int, payloadLen int) (time.Duration, error) {
	airtime, err := r.Airtime(dr, payloadLen)
	if err != nil {
		return 0, err
	}
	if r.DutyCycle <= 0 {
		return 0, nil
	}
	return time.Duration(math.Round(float64(airtime) / r.DutyCycle)), nil
}

// Airtime returns the LoRa time-on-air of a PHY payload of phyLen bytes.
func (d DataRate) Airtime(phyLen int) time.Duration {
	const (
		preambleSymbols = 8
		codingRate      = 1 // 4/5
		crc             = 1
		implicitHeader  = 0
	)

	sf := float64(d.SpreadFactor)
	symbol := math.Pow(2, sf) / float64(d.Bandwidth*1000)

	lowDataRateOptimize := 0.0
	if symbol > 0.016 {
		lowDataRateOptimize = 1
	}

	numerator := 8*float64(phyLen) - 4*sf + 28 + 16*crc - 20*implicitHeader
	denominator := 4 * (sf - 2*lowDataRateOptimize)
	payloadSymbols := 8 + math.Max(math.Ceil(numerator/denominator)*(codingRate+4), 0)

	seconds := (preambleSymbols+4.25)*symbol + payloadSymbols*symbol
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
