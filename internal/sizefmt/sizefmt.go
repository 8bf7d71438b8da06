// Package sizefmt parses the size-string grammar accepted at the command
// surface (e.g. "512m", "2.5g") into byte counts, and re-canonicalizes
// byte counts to 1 MiB alignment the way the partition and resize engines
// require.
package sizefmt

import (
	"fmt"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
)

const MiB int64 = 1024 * 1024

var multipliers = map[string]float64{
	"":   1,
	"b":  1,
	"k":  1024,
	"kb": 1024,
	"m":  1024 * 1024,
	"mb": 1024 * 1024,
	"g":  1024 * 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
	"t":  1024 * 1024 * 1024 * 1024,
	"tb": 1024 * 1024 * 1024 * 1024,
}

// ParseBytes parses a size string of the form "<number>[.<digits>](b|k|m|g|t)"
// into a byte count, floored to the nearest integer byte.
func ParseBytes(value string) (int64, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return 0, fmt.Errorf("empty size string")
	}

	split := len(trimmed)
	for i, r := range trimmed {
		if !(r >= '0' && r <= '9' || r == '.') {
			split = i
			break
		}
	}
	numPart, suffix := trimmed[:split], strings.TrimSpace(trimmed[split:])

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}

	mult, ok := multipliers[suffix]
	if !ok {
		return 0, fmt.Errorf("invalid size suffix %q", suffix)
	}

	return int64(n * mult), nil
}

// AlignMiBFloor rounds a byte count down to the nearest 1 MiB boundary.
func AlignMiBFloor(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value / MiB * MiB
}

// AlignMiBCeil rounds a byte count up to the nearest 1 MiB boundary.
func AlignMiBCeil(value int64) int64 {
	if value <= 0 {
		return 0
	}
	rem := value % MiB
	if rem == 0 {
		return value
	}
	return value + (MiB - rem)
}

// Human renders a byte count for table/log output.
func Human(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}
