package utils

import (
	"testing"
	"time"
)

func TestParseTimestampAcceptsTrailingZ(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 15, 123456000, time.UTC)
	inputs := []string{
		"2024-03-01T12:30:15.123456Z",
		"2024-03-01T12:30:15.123456",
		"2024-03-01T12:30:15.123456+00:00",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %v, got %v", in, want, got)
		}
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for unparsable value")
	}
	if _, err := ParseTimestamp(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
}

func TestFormatTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 15, 123456789, time.FixedZone("CET", 3600))
	formatted := FormatTimestamp(ts)
	if formatted != "2024-03-01T11:30:15.123456Z" {
		t.Fatalf("unexpected format: %s", formatted)
	}
	parsed, err := ParseTimestamp(formatted)
	if err != nil {
		t.Fatalf("parse formatted: %v", err)
	}
	if !parsed.Equal(ts.Truncate(time.Microsecond)) {
		t.Fatalf("round trip mismatch: %v vs %v", parsed, ts)
	}
}

func TestHoursToDuration(t *testing.T) {
	if got := HoursToDuration(1.5); got != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", got)
	}
	if got := HoursToDuration(-1); got != 0 {
		t.Fatalf("expected zero for negative hours, got %v", got)
	}
}
