package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// HoursBetween returns end-start in hours, never less than floor.
func HoursBetween(start, end time.Time, floor float64) float64 {
	hours := end.Sub(start).Hours()
	if hours < floor {
		return floor
	}
	return hours
}
