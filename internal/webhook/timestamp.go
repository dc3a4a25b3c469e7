package webhook

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimestamp converts a provider timestamp to Unix milliseconds.
// Numbers above 1e12 are milliseconds, above 1e9 seconds; anything else is
// tried as a date string. Numbers whose millisecond value does not fit in an
// int64 are not timestamps. On failure it returns now.
func ParseTimestamp(raw string, now time.Time) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.UnixMilli()
	}

	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		switch {
		case v > 1e12:
			if ms, ok := toMillis(v); ok {
				return ms
			}
		case v > 1e9:
			if ms, ok := toMillis(v * 1000); ok {
				return ms
			}
		}
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli()
		}
	}
	return now.UnixMilli()
}

// toMillis converts ms to int64, rejecting values the conversion would wrap.
// float64(math.MaxInt64) rounds up to 2^63, so the bound is exclusive.
func toMillis(ms float64) (int64, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms >= math.MaxInt64 {
		return 0, false
	}
	return int64(ms), true
}
