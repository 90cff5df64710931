// Package period converts wall-clock time into canonical bucket keys.
//
// A bucket is either an hour ("2025-10-08T14:00") or a UTC day ("2025-10-08").
// Keys are used both as storage keys for per-period observations and as
// window boundaries for range queries, so every conversion is UTC-only and
// lossless in both directions.
package period

import (
	"fmt"
	"time"
)

// Granularity is the width of a bucket.
type Granularity string

const (
	Hourly Granularity = "hour"
	Daily  Granularity = "day"
)

const (
	hourLayout = "2006-01-02T15:04"
	dayLayout  = "2006-01-02"
)

// ParseGranularity accepts "hour"/"hourly" and "day"/"daily".
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "hour", "hourly":
		return Hourly, nil
	case "day", "daily":
		return Daily, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// Duration returns the width of one bucket.
func (g Granularity) Duration() time.Duration {
	if g == Daily {
		return 24 * time.Hour
	}
	return time.Hour
}

func (g Granularity) layout() string {
	if g == Daily {
		return dayLayout
	}
	return hourLayout
}

// BucketStart truncates t to the start of its bucket in UTC.
func BucketStart(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	if g == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

// BucketKey returns the canonical key of the bucket containing t.
func BucketKey(t time.Time, g Granularity) string {
	return BucketStart(t, g).Format(g.layout())
}

// Previous returns the start of the bucket immediately before the one containing t.
func Previous(t time.Time, g Granularity) time.Time {
	start := BucketStart(t, g)
	if g == Daily {
		return start.AddDate(0, 0, -1)
	}
	return start.Add(-time.Hour)
}

// ParseKey converts a bucket key back into its start time and granularity.
// Keys whose minute component is not zero are rejected.
func ParseKey(key string) (time.Time, Granularity, error) {
	switch len(key) {
	case len(dayLayout):
		t, err := time.ParseInLocation(dayLayout, key, time.UTC)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("invalid day key %q: %w", key, err)
		}
		return t, Daily, nil
	case len(hourLayout):
		t, err := time.ParseInLocation(hourLayout, key, time.UTC)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("invalid hour key %q: %w", key, err)
		}
		if t.Minute() != 0 {
			return time.Time{}, "", fmt.Errorf("invalid hour key %q: minutes must be 00", key)
		}
		return t, Hourly, nil
	}
	return time.Time{}, "", fmt.Errorf("invalid period key %q", key)
}

// PreviousBucket returns the key of the bucket before key, at the same granularity.
func PreviousBucket(key string) (string, error) {
	t, g, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return BucketKey(Previous(t, g), g), nil
}

// DayWindow returns the half-open UTC day [start, end) containing t.
func DayWindow(t time.Time) (time.Time, time.Time) {
	start := BucketStart(t, Daily)
	return start, start.AddDate(0, 0, 1)
}

// ParseDay parses a YYYY-MM-DD day into its UTC midnight.
func ParseDay(s string) (time.Time, error) {
	t, g, err := ParseKey(s)
	if err != nil {
		return time.Time{}, err
	}
	if g != Daily {
		return time.Time{}, fmt.Errorf("expected a day (YYYY-MM-DD), got %q", s)
	}
	return t, nil
}

// Days returns every UTC day from first to last inclusive.
func Days(first, last time.Time) []time.Time {
	first = BucketStart(first, Daily)
	last = BucketStart(last, Daily)
	var days []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
