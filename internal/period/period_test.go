package period

import (
	"testing"
	"time"
)

func TestBucketKey(t *testing.T) {
	ts := time.Date(2025, 10, 8, 14, 37, 12, 500, time.UTC)

	tests := []struct {
		name string
		g    Granularity
		want string
	}{
		{"hourly", Hourly, "2025-10-08T14:00"},
		{"daily", Daily, "2025-10-08"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BucketKey(ts, tt.g); got != tt.want {
				t.Errorf("BucketKey() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBucketKey_NonUTCInput(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2025-10-09 01:30 at +09:00 is 2025-10-08 16:30 UTC
	ts := time.Date(2025, 10, 9, 1, 30, 0, 0, loc)

	if got := BucketKey(ts, Hourly); got != "2025-10-08T16:00" {
		t.Errorf("hourly key = %s, want 2025-10-08T16:00", got)
	}
	if got := BucketKey(ts, Daily); got != "2025-10-08" {
		t.Errorf("daily key = %s, want 2025-10-08", got)
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	keys := []string{"2025-10-08T00:00", "2025-10-08T23:00", "2024-02-29", "2025-01-01"}
	for _, key := range keys {
		ts, g, err := ParseKey(key)
		if err != nil {
			t.Fatalf("ParseKey(%s) failed: %v", key, err)
		}
		if ts.Location() != time.UTC {
			t.Errorf("ParseKey(%s) location = %v, want UTC", key, ts.Location())
		}
		if back := BucketKey(ts, g); back != key {
			t.Errorf("round trip of %s gave %s", key, back)
		}
	}
}

func TestParseKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "2025-10-08T14:30", "2025/10/08", "2025-13-01", "yesterday"} {
		if _, _, err := ParseKey(key); err == nil {
			t.Errorf("ParseKey(%q) expected error", key)
		}
	}
}

func TestPreviousBucket(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"2025-10-08T01:00", "2025-10-08T00:00"},
		{"2025-10-08T00:00", "2025-10-07T23:00"},
		{"2025-03-01", "2025-02-28"},
		{"2025-01-01T00:00", "2024-12-31T23:00"},
	}
	for _, tt := range tests {
		got, err := PreviousBucket(tt.key)
		if err != nil {
			t.Fatalf("PreviousBucket(%s) failed: %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("PreviousBucket(%s) = %s, want %s", tt.key, got, tt.want)
		}
	}
}

func TestDayWindow(t *testing.T) {
	start, end := DayWindow(time.Date(2025, 10, 8, 22, 15, 0, 0, time.UTC))
	if !start.Equal(time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("unexpected window length %v", end.Sub(start))
	}
}

func TestDays(t *testing.T) {
	first := time.Date(2025, 10, 5, 0, 0, 0, 0, time.UTC)
	last := time.Date(2025, 10, 7, 13, 0, 0, 0, time.UTC)

	days := Days(first, last)
	if len(days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(days))
	}
	if BucketKey(days[2], Daily) != "2025-10-07" {
		t.Errorf("unexpected last day %v", days[2])
	}
	if got := Days(last, first); len(got) != 0 {
		t.Errorf("expected no days for reversed range, got %d", len(got))
	}
}

func TestParseGranularity(t *testing.T) {
	if g, err := ParseGranularity("hourly"); err != nil || g != Hourly {
		t.Errorf("ParseGranularity(hourly) = %v, %v", g, err)
	}
	if g, err := ParseGranularity("day"); err != nil || g != Daily {
		t.Errorf("ParseGranularity(day) = %v, %v", g, err)
	}
	if _, err := ParseGranularity("minute"); err == nil {
		t.Error("expected error for minute granularity")
	}
}
