package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// canonicalizeRate converts a captured numeric rate and unit into bits per
// second, the canonical unit the compiler's templates expect. Grounded on
// the original parser's handling of "KB/s"-style suffixes: bandwidth
// intents are always expressed to the user in bytes/sec, enforced in bits.
func canonicalizeRate(raw, unit string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: rate %q: %v", ErrBadParameter, raw, err)
	}
	mult, ok := rateMultipliers[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown rate unit %q", ErrBadParameter, unit)
	}
	bps := v * mult
	if bps <= 0 {
		return 0, fmt.Errorf("%w: rate %q%s is not positive", ErrBadParameter, raw, unit)
	}
	return bps, nil
}

// rateMultipliers converts one unit of the left-hand side into bits/second.
var rateMultipliers = map[string]float64{
	"b/s":   8,
	"bps":   8,
	"kb/s":  8 * 1024,
	"kbps":  1000,
	"mb/s":  8 * 1024 * 1024,
	"mbps":  1_000_000,
}

// minSamplingIntervalMS is the shortest telemetry cadence a device may be
// told to publish at. Below this, a fleet-wide sampling change risks
// flooding the broker and the devices' own radios.
const minSamplingIntervalMS = 1000

// qosMin and qosMax bound the MQTT QoS levels the broker actually supports.
const qosMin, qosMax = 0, 2

// canonicalizeDurationMS converts a captured numeric duration and unit into
// milliseconds.
func canonicalizeDurationMS(raw, unit string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", ErrBadParameter, raw, err)
	}
	mult, ok := durationMultipliers[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown duration unit %q", ErrBadParameter, unit)
	}
	return v * mult, nil
}

var durationMultipliers = map[string]float64{
	"ms":      1,
	"s":       1000,
	"sec":     1000,
	"seconds": 1000,
	"min":     60_000,
	"minutes": 60_000,
}
