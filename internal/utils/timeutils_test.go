package utils

import (
	"testing"
	"time"
)

func TestHoursBetweenFloors(t *testing.T) {
	now := time.Now()
	if got := HoursBetween(now, now.Add(time.Minute), 0.1); got != 0.1 {
		t.Fatalf("expected floor 0.1, got %f", got)
	}
	if got := HoursBetween(now, now.Add(-time.Hour), 1); got != 1 {
		t.Fatalf("expected floor for negative span, got %f", got)
	}
	if got := HoursBetween(now, now.Add(3*time.Hour), 1); got != 3 {
		t.Fatalf("expected 3 hours, got %f", got)
	}
}

func TestParseRFC3339(t *testing.T) {
	if _, err := ParseRFC3339(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
	ts, err := ParseRFC3339("2024-05-01T10:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Hour() != 10 {
		t.Fatalf("unexpected hour %d", ts.Hour())
	}
}
