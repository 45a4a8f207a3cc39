package utils

import (
	"fmt"
	"strings"
	"time"
)

// MicrosecondLayout renders timestamps with fixed microsecond precision in UTC.
const MicrosecondLayout = "2006-01-02T15:04:05.000000Z07:00"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses stored timestamps, accepting RFC3339 and zone-less ISO forms.
// A trailing 'Z' is treated as UTC; zone-less values are assumed UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	trimmed := strings.TrimSuffix(value, "Z")
	for _, layout := range timestampLayouts[1:] {
		if t, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: unsupported layout", value)
}

// FormatTimestamp renders t in UTC with microsecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(MicrosecondLayout)
}

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}

// HoursToDuration converts a fractional hour count into a duration.
func HoursToDuration(hours float64) time.Duration {
	if hours <= 0 {
		return 0
	}
	return time.Duration(hours * float64(time.Hour))
}
