package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var isoDurationPattern = regexp.MustCompile(
	`^P(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`,
)

var isoUnits = []time.Duration{
	7 * 24 * time.Hour,
	24 * time.Hour,
	time.Hour,
	time.Minute,
	time.Second,
}

// ParseISODuration parses an ISO-8601 duration limited to weeks, days, hours,
// minutes and seconds (P3D, PT12H, P1DT6H30M, PT0.5S). Go duration strings
// such as "72h" are accepted too. Years and months are rejected because their
// length is calendar dependent.
func ParseISODuration(value string) (time.Duration, error) {
	raw := strings.ToUpper(strings.TrimSpace(value))
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if !strings.HasPrefix(raw, "P") {
		d, err := time.ParseDuration(strings.ToLower(raw))
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", value, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", value)
		}
		return d, nil
	}

	if raw == "P" || strings.HasSuffix(raw, "T") {
		return 0, fmt.Errorf("duration %q has no components", value)
	}

	m := isoDurationPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("duration %q is not a supported ISO-8601 duration", value)
	}

	var total float64
	for i, unit := range isoUnits {
		part := m[i+1]
		if part == "" {
			continue
		}
		n, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", value, err)
		}
		total += n * float64(unit)
	}

	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("duration %q overflows", value)
	}
	// sub-nanosecond values truncate to zero
	d := time.Duration(total)
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}
